package tools

import "redcortex/internal/platform"

// DefaultRegistry returns the fixed catalog mapping to the external framework
// bridge. Read-only queries sit at /read_only, module and listener execution
// at /action, and session visibility or interaction at /session.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.MustRegister(&Spec{
		Name:        "module_search",
		Description: "Search the framework module index by keyword.",
		Tier:        platform.TierReadOnly,
		Schema: Schema{
			Required: []string{"query"},
			Properties: map[string]Property{
				"query": {Type: "string", Description: "Search term matched against module path and name."},
			},
		},
	})

	r.MustRegister(&Spec{
		Name:        "module_info",
		Description: "Fetch metadata and option schema for one module.",
		Tier:        platform.TierReadOnly,
		Schema: Schema{
			Required: []string{"module_path"},
			Properties: map[string]Property{
				"module_path": {Type: "string", Description: "Full module path."},
			},
		},
	})

	r.MustRegister(&Spec{
		Name:        "payload_list",
		Description: "List payload modules, optionally filtered by platform and architecture.",
		Tier:        platform.TierReadOnly,
		Schema: Schema{
			Properties: map[string]Property{
				"platform": {Type: "string", Description: "Target platform filter."},
				"arch":     {Type: "string", Description: "Architecture filter."},
			},
		},
	})

	r.MustRegister(&Spec{
		Name:        "listener_list",
		Description: "Show active handlers and background jobs.",
		Tier:        platform.TierReadOnly,
		Schema:      Schema{},
	})

	r.MustRegister(&Spec{
		Name:        "target_compat",
		Description: "Check whether a target looks compatible with a module using recon signals only; never executes anything.",
		Tier:        platform.TierReadOnly,
		TargetParam: "host",
		Schema: Schema{
			Required: []string{"host", "port", "module_path"},
			Properties: map[string]Property{
				"host":        {Type: "string", Description: "Target host."},
				"port":        {Type: "integer", Description: "Target port."},
				"module_path": {Type: "string", Description: "Module to check against."},
			},
		},
	})

	r.MustRegister(&Spec{
		Name:              "module_run",
		Description:       "Configure and execute a module against an in-scope target.",
		Tier:              platform.TierAction,
		SideEffecting:     true,
		RollbackSupported: true,
		RollbackTool:      "job_stop",
		TargetParam:       "host",
		Schema: Schema{
			Required: []string{"module_path", "host"},
			Properties: map[string]Property{
				"module_path": {Type: "string", Description: "Full module path."},
				"host":        {Type: "string", Description: "Target host, validated against project scope."},
				"port":        {Type: "integer", Description: "Target port."},
				"check_only":  {Type: "boolean", Description: "Run the module's check routine instead of executing.", Default: false},
			},
		},
	})

	r.MustRegister(&Spec{
		Name:              "listener_start",
		Description:       "Start a handler to receive connections.",
		Tier:              platform.TierAction,
		SideEffecting:     true,
		RollbackSupported: true,
		RollbackTool:      "job_stop",
		Schema: Schema{
			Required: []string{"payload_path"},
			Properties: map[string]Property{
				"payload_path": {Type: "string", Description: "Handler payload path."},
				"lport":        {Type: "integer", Description: "Listening port.", Default: 4444},
			},
		},
	})

	r.MustRegister(&Spec{
		Name:          "job_stop",
		Description:   "Terminate a running job or handler.",
		Tier:          platform.TierAction,
		SideEffecting: true,
		Schema: Schema{
			Required: []string{"job_id"},
			Properties: map[string]Property{
				"job_id": {Type: "string", Description: "Job identifier returned by the framework."},
			},
		},
	})

	r.MustRegister(&Spec{
		Name:        "session_list",
		Description: "Show active framework sessions.",
		Tier:        platform.TierSession,
		Schema:      Schema{},
	})

	r.MustRegister(&Spec{
		Name:          "session_command",
		Description:   "Run a single command in an existing session. Output is filtered before storage.",
		Tier:          platform.TierSession,
		SideEffecting: true,
		Schema: Schema{
			Required: []string{"session_id", "command"},
			Properties: map[string]Property{
				"session_id": {Type: "string", Description: "Session identifier."},
				"command":    {Type: "string", Description: "Command line to run in the session."},
			},
		},
	})

	r.MustRegister(&Spec{
		Name:          "session_kill",
		Description:   "Forcefully end an active session.",
		Tier:          platform.TierSession,
		SideEffecting: true,
		Schema: Schema{
			Required: []string{"session_id"},
			Properties: map[string]Property{
				"session_id": {Type: "string", Description: "Session identifier."},
			},
		},
	})

	return r
}
