package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the clinicgate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckEntitlement = mcp.NewTool("check_entitlement",
	mcp.WithDescription(
		"Check whether the clinic is currently entitled to perform an action. "+
			"Use this before generating a consultation note, uploading diagnostic files, "+
			"or reading analytics. Returns allowed/denied with a reason when denied."),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("The action to check: 'create_consult', 'upload_diagnostics', or 'access_analytics'"),
		mcp.Enum("create_consult", "upload_diagnostics", "access_analytics")),
)

var ToolGetUsage = mcp.NewTool("get_usage",
	mcp.WithDescription(
		"Get the clinic's current subscription and usage snapshot: plan tier, "+
			"subscription state, consults used in the current billing cycle, the cycle cap, "+
			"and when the usage counter next resets."),
)

var ToolReserveConsult = mcp.NewTool("reserve_consult",
	mcp.WithDescription(
		"Reserve one consult slot against the clinic's monthly quota before generating a note. "+
			"The reservation is atomic: if this succeeds, the consult is counted and you may proceed. "+
			"If the quota is exhausted or the subscription is blocked, the reservation is denied."),
)

var ToolListDevices = mcp.NewTool("list_devices",
	mcp.WithDescription(
		"List the devices registered to the clinic, with last-active timestamps "+
			"and revocation status. Useful for explaining why a device admission was denied."),
)
