// Package credential supplies ssh authentication for git transport.
//
// A SSHKeyProvider is created once per run from the configured private key
// file and is shared read-only by every clone and fetch. The key is parsed
// only to validate it, git itself reads the key file via the generated
// GIT_SSH_COMMAND.
package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/utilitywarehouse/git-backup/giturl"
	"golang.org/x/crypto/ssh"
)

var ErrNoUsername = errors.New("cannot determine username from URL")

// CredentialError is returned when no credential can be produced for the
// remote which triggered the authentication challenge.
type CredentialError struct {
	URL string
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential for %s: %v", e.URL, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Credential is the ssh identity used for a single remote.
type Credential struct {
	Username       string
	PrivateKeyPath string
	PublicKey      ssh.PublicKey
	KnownHostsPath string
}

// Fingerprint returns SHA256 fingerprint of the public key
func (c *Credential) Fingerprint() string {
	if c.PublicKey == nil {
		return ""
	}
	return ssh.FingerprintSHA256(c.PublicKey)
}

// GitSSHCommand returns the environment variable to be used for configuring
// git over ssh. Host key verification is left to ssh defaults unless a known
// hosts file is given.
func (c *Credential) GitSSHCommand() string {
	opts := []string{
		"ssh", "-q", "-F", "none",
		"-o", "BatchMode=yes",
		"-o", "IdentitiesOnly=yes",
		"-o", "IdentityFile=" + c.PrivateKeyPath,
		"-l", c.Username,
	}
	if c.KnownHostsPath != "" {
		opts = append(opts, "-o", "UserKnownHostsFile="+c.KnownHostsPath)
	}
	return "GIT_SSH_COMMAND=" + strings.Join(opts, " ")
}

// SSHKeyProvider produces credentials from a single private key file.
// A SSHKeyProvider is safe for concurrent use by multiple goroutines.
type SSHKeyProvider struct {
	keyPath        string
	knownHostsPath string
	publicKey      ssh.PublicKey
	keyErr         error // set if key file is unusable, returned for every challenge
}

// NewSSHKeyProvider reads and validates given private key. An invalid key
// does not fail construction, instead every credential request will fail with
// the key error.
func NewSSHKeyProvider(keyPath, knownHostsPath string) *SSHKeyProvider {
	p := &SSHKeyProvider{keyPath: keyPath, knownHostsPath: knownHostsPath}
	p.publicKey, p.keyErr = loadPublicKey(keyPath)
	return p
}

func loadPublicKey(keyPath string) (ssh.PublicKey, error) {
	if keyPath == "" {
		return nil, fmt.Errorf("ssh key path is not set")
	}
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read ssh key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		// passphrase protected keys are handed to ssh as is
		var ppErr *ssh.PassphraseMissingError
		if errors.As(err, &ppErr) && ppErr.PublicKey != nil {
			return ppErr.PublicKey, nil
		}
		return nil, fmt.Errorf("invalid ssh key %s: %w", keyPath, err)
	}
	return signer.PublicKey(), nil
}

// KeyError returns error if the configured key file is not usable
func (p *SSHKeyProvider) KeyError() error {
	return p.keyErr
}

// Credential returns ssh credential for the given remote URL. username is
// taken from the URL.
func (p *SSHKeyProvider) Credential(remote string) (*Credential, error) {
	if p.keyErr != nil {
		return nil, &CredentialError{URL: remote, Err: p.keyErr}
	}

	gURL, err := giturl.Parse(remote)
	if err != nil {
		return nil, &CredentialError{URL: remote, Err: err}
	}
	if gURL.User == "" {
		return nil, &CredentialError{URL: remote, Err: ErrNoUsername}
	}

	return &Credential{
		Username:       gURL.User,
		PrivateKeyPath: p.keyPath,
		PublicKey:      p.publicKey,
		KnownHostsPath: p.knownHostsPath,
	}, nil
}

// GitEnv returns envs required by git to authenticate against given remote.
// remotes not using ssh transport do not need any credentials.
func (p *SSHKeyProvider) GitEnv(remote string) ([]string, error) {
	if !giturl.IsSSHTransport(remote) {
		return nil, nil
	}
	cred, err := p.Credential(remote)
	if err != nil {
		return nil, err
	}
	return []string{cred.GitSSHCommand()}, nil
}
