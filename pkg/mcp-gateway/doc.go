// Package mcpgateway serves a registry's flat capability namespace as a single
// Streamable MCP server. Tools, prompts and resources held by the registry
// are mirrored onto the server and follow registry events, so downstream
// clients see one host regardless of how many upstream servers are
// connected. The HTTP handler also carries health, metrics and a small admin
// REST surface for inspecting and restarting servers.
package mcpgateway
