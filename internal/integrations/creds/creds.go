// Package creds loads the credentials file mapping repository hosts to
// API tokens.
package creds

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HostCredential holds one host's credentials.
type HostCredential struct {
	Token string `yaml:"token"`
	// App credentials, for hosts using GitHub App auth instead of a
	// personal token.
	AppID          int64  `yaml:"app_id,omitempty"`
	PrivateKeyPath string `yaml:"private_key_path,omitempty"`
}

// File is a parsed credentials file, keyed by host.
type File struct {
	hosts map[string]HostCredential
}

// Load reads and parses the credentials file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	var hosts map[string]HostCredential
	if err := yaml.Unmarshal(data, &hosts); err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}
	return &File{hosts: hosts}, nil
}

// TokenFor returns the token for a host, or an error when the host has
// no usable credential.
func (f *File) TokenFor(host string) (string, error) {
	cred, ok := f.hosts[host]
	if !ok {
		return "", fmt.Errorf("no credentials for host %s", host)
	}
	if cred.Token == "" {
		return "", fmt.Errorf("credentials for host %s carry no token", host)
	}
	return cred.Token, nil
}

// Hosts returns the configured host names.
func (f *File) Hosts() []string {
	out := make([]string, 0, len(f.hosts))
	for h := range f.hosts {
		out = append(out, h)
	}
	return out
}
