package repoclone

import (
	"fmt"
	"strings"
)

// Git clone protocols accepted by ParseRepoURL and CloneURL.
const (
	ProtocolSSH   = "ssh"
	ProtocolHTTPS = "https"
)

// gitHosts maps a provider name to its git host. Only GitHub is wired
// today; the other entries reserve the names.
var gitHosts = map[string]string{
	"":          "github.com",
	"github":    "github.com",
	"gitlab":    "gitlab.com",
	"bitbucket": "bitbucket.org",
}

// DetectGitProtocol returns the protocol used for owner/repo shorthand when
// the caller did not choose one. SSH, matching what developers with push
// access almost always have configured.
func DetectGitProtocol() string {
	return ProtocolSSH
}

// CloneURL builds a clone URL for the provider and protocol:
// git@{host}:{owner}/{name}.git over SSH, https://{host}/{owner}/{name}.git
// otherwise.
func CloneURL(provider, owner, name, protocol string) (string, error) {
	host, ok := gitHosts[strings.ToLower(provider)]
	if !ok {
		return "", fmt.Errorf("unsupported git provider: %q", provider)
	}
	if protocol == ProtocolSSH {
		return fmt.Sprintf("git@%s:%s/%s.git", host, owner, name), nil
	}
	return fmt.Sprintf("https://%s/%s/%s.git", host, owner, name), nil
}
