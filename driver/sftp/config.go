package sftp

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config holds SFTP connection configuration
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey []byte // PEM encoded private key
	// KnownHosts is an OpenSSH known_hosts file used to verify the
	// server key. When empty, any host key is accepted.
	KnownHosts string
	BasePath   string
	// Timeout bounds the TCP connect and SSH handshake (default: 30s)
	Timeout time.Duration
}

func (c Config) clientConfig() (*ssh.ClientConfig, error) {
	if c.Host == "" {
		return nil, errors.New("SFTP host is required")
	}

	sshConfig := &ssh.ClientConfig{
		User:            c.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.Timeout,
	}
	if sshConfig.Timeout == 0 {
		sshConfig.Timeout = 30 * time.Second
	}
	if c.KnownHosts != "" {
		cb, err := knownhosts.New(c.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		sshConfig.HostKeyCallback = cb
	}

	if len(c.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		sshConfig.Auth = append(sshConfig.Auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		sshConfig.Auth = append(sshConfig.Auth, ssh.Password(c.Password))
	}
	if len(sshConfig.Auth) == 0 {
		return nil, errors.New("no authentication method provided")
	}
	return sshConfig, nil
}
