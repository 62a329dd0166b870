package model

import (
	"net/url"
	"strings"
	"time"
)

// Document type names used for document lock keys and store partitions.
const (
	DocumentTypeProject   = "project"
	DocumentTypeTeamCloud = "teamcloud"

	// TeamCloudInstanceID is the id of the singleton instance document.
	TeamCloudInstanceID = "teamcloud"
)

// User is an identity with a role, either an instance user or a project user.
type User struct {
	ID   string            `json:"id" valid:"required"`
	Role string            `json:"role"`
	Tags map[string]string `json:"tags,omitempty"`
}

// Provider is a registered external service that participates in commands
// over the HTTP callback protocol.
type Provider struct {
	ID       string `json:"id" valid:"required"`
	URL      string `json:"url" valid:"required,url"`
	AuthCode string `json:"authCode,omitempty"`

	// BatchOrder is the logical sequencing group. Providers sharing a
	// BatchOrder are called in parallel; groups are processed in ascending
	// order, each receiving the accumulated results of all prior groups.
	BatchOrder int `json:"batchOrder"`

	// Registered is set once the provider completed a registration command.
	Registered *time.Time `json:"registered,omitempty"`

	// Properties holds the output the provider returned at registration.
	Properties map[string]string `json:"properties,omitempty"`
}

// CommandURL returns the endpoint commands are posted to. When the provider
// URL carries no explicit path, the default command path is appended.
func (p *Provider) CommandURL() (string, error) {
	u, err := url.Parse(strings.TrimSpace(p.URL))
	if err != nil {
		return "", err
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/api/command"
	}
	return u.String(), nil
}

// TeamCloudInstance is the singleton document holding instance-level users
// and the provider registry.
type TeamCloudInstance struct {
	ID        string      `json:"id"`
	Users     []*User     `json:"users"`
	Providers []*Provider `json:"providers"`
}

func (t *TeamCloudInstance) DocumentType() string { return DocumentTypeTeamCloud }
func (t *TeamCloudInstance) DocumentID() string   { return TeamCloudInstanceID }

// Provider returns the registered provider with the given id, or nil.
func (t *TeamCloudInstance) Provider(id string) *Provider {
	for _, p := range t.Providers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Project is an owned unit of work providers act on. ResourceGroup is an
// opaque handle to provisioned infrastructure and may be empty.
type Project struct {
	ID            string  `json:"id" valid:"required"`
	Name          string  `json:"name,omitempty"`
	ResourceGroup string  `json:"resourceGroup,omitempty"`
	Users         []*User `json:"users"`
}

func (p *Project) DocumentType() string { return DocumentTypeProject }
func (p *Project) DocumentID() string   { return p.ID }

// ProviderOutput is the business payload a provider returns from a command.
// Properties of earlier batches are chained into later batches' commands.
type ProviderOutput struct {
	Properties map[string]string `json:"properties"`
}
