package agentregistry

// DefaultClasses returns the built-in agent class catalog.
func DefaultClasses() []*Class {
	return []*Class{
		{
			ID:          "generic-llm-agent",
			Name:        "Generic LLM Agent",
			Description: "In-process strategy agent backed by an LLMProvider collaborator; no container launch required.",
			Capabilities: []string{"chat", "summarize"},
			Enabled:      true,
		},
		{
			ID:          "containerized-worker",
			Name:        "Containerized Worker Agent",
			Description: "Externally-launched agent class run as a Docker container per (conversation_id, agent_id).",
			Image:       "banterop/worker-agent",
			Tag:         "latest",
			WorkingDir:  "/workspace",
			Mounts: []MountTemplate{
				{Source: "{workspace}", Target: "/workspace", ReadOnly: false},
			},
			ResourceLimits: ResourceLimits{
				MemoryMB:       2048,
				CPUCores:       1.0,
				TimeoutSeconds: 1800,
			},
			Capabilities: []string{"shell_execution", "code_generation"},
			Enabled:      true,
		},
	}
}
