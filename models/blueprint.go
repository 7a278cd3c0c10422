package models

import "time"

// BlueprintVariable is one configurable environment variable.
type BlueprintVariable struct {
	Name         string `json:"name" yaml:"name" validate:"required"`
	Description  string `json:"description,omitempty" yaml:"description,omitempty"`
	EnvVariable  string `json:"envVariable" yaml:"env_variable" validate:"required"`
	DefaultValue string `json:"defaultValue" yaml:"default_value"`
	UserEditable bool   `json:"userEditable" yaml:"user_editable"`
	Rules        string `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// Blueprint describes how to run one kind of game server.
type Blueprint struct {
	ID             string           `json:"id" yaml:"id" gorm:"primaryKey" validate:"required"`
	Name           string           `json:"name" yaml:"name" gorm:"not null" validate:"required"`
	Description    string           `json:"description,omitempty" yaml:"description,omitempty"`
	DockerImage    string           `json:"dockerImage" yaml:"docker_image" gorm:"not null" validate:"required"`
	StartupCommand string           `json:"startupCommand" yaml:"startup_command" validate:"required"`
	InstallScript  string           `json:"installScript,omitempty" yaml:"install_script,omitempty"`
	InstallImage   string           `json:"installImage,omitempty" yaml:"install_image,omitempty"`
	Variables      VariableList     `json:"variables" yaml:"variables" gorm:"type:jsonb" validate:"dive"`
	Ports          PortRequirements `json:"ports" yaml:"ports" gorm:"type:jsonb" validate:"required,min=1,dive"`
	MinLimits      Resources        `json:"minLimits" yaml:"min_limits" gorm:"embedded;embeddedPrefix:min_"`
	CreatedAt      time.Time        `json:"createdAt" yaml:"-"`
	UpdatedAt      time.Time        `json:"updatedAt" yaml:"-"`
}

// Environment composes the container environment: blueprint defaults first,
// then overrides on top.
func (b *Blueprint) Environment(overrides map[string]string) map[string]string {
	env := make(map[string]string, len(b.Variables)+len(overrides))
	for _, v := range b.Variables {
		env[v.EnvVariable] = v.DefaultValue
	}
	for k, v := range overrides {
		env[k] = v
	}
	if b.StartupCommand != "" {
		if _, ok := env["STARTUP"]; !ok {
			env["STARTUP"] = b.StartupCommand
		}
	}
	return env
}

// Editable reports whether envVariable may be overridden by a tenant.
func (b *Blueprint) Editable(envVariable string) bool {
	for _, v := range b.Variables {
		if v.EnvVariable == envVariable {
			return v.UserEditable
		}
	}
	return false
}
