// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	dialTimeout   = 10 * time.Second
	loginInterval = 5 * time.Second
)

// Client dials guests over SSH with public key authentication.
type Client struct {
	Host       string
	User       string
	PrivateKey []byte
	Port       string

	// LoginInterval is the delay between two login attempts.
	LoginInterval time.Duration
}

// NewClient creates a new SSH client reading its key from privateKeyPath.
func NewClient(host, user, privateKeyPath, port string) (*Client, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	return NewClientFromKey(host, user, key, port), nil
}

// NewClientFromKey creates a new SSH client from an in-memory private key.
func NewClientFromKey(host, user string, key []byte, port string) *Client {
	if port == "" {
		port = "22"
	}

	return &Client{
		Host:          host,
		User:          user,
		PrivateKey:    key,
		Port:          port,
		LoginInterval: loginInterval,
	}
}

// Login retries connecting to the guest until it accepts the key or the
// timeout elapses. The first attempt is made immediately.
func (c *Client) Login(timeout time.Duration) (*Conn, error) {
	config, err := c.config()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(c.Host, c.Port)
	deadline := time.After(timeout)

	interval := c.LoginInterval
	if interval <= 0 {
		interval = loginInterval
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		client, err := ssh.Dial("tcp", addr, config)
		if err == nil {
			slog.Debug("logged into guest", "addr", addr, "user", c.User)
			return &Conn{client: client, addr: addr, closed: make(chan struct{})}, nil
		}
		slog.Debug("guest login failed, retrying", "addr", addr, "error", err.Error())

		select {
		case <-deadline:
			return nil, errors.Join(fmt.Errorf("addr=%s timeout=%s", addr, timeout), ErrLoginTimeout, err)
		case <-tick.C:
		}
	}
}

func (c *Client) config() (*ssh.ClientConfig, error) {
	signer, err := ssh.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	return &ssh.ClientConfig{
		User: c.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // guests are throwaway test VMs
		Timeout:         dialTimeout,
	}, nil
}

// Conn is a logged-in guest session. Each Cmd runs in its own SSH session
// over the shared connection.
type Conn struct {
	client *ssh.Client
	addr   string

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Cmd implements Session.
func (c *Conn) Cmd(command string, timeout time.Duration) (string, error) {
	if c.isClosed() {
		return "", errors.Join(fmt.Errorf("addr=%s", c.addr), ErrSessionClosed)
	}

	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("unable to create SSH session: %w", err)
	}

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		runFuncAndLogErr(session.Close)
		if err != nil {
			return out.String(), fmt.Errorf("remote command %q failed: %w", command, err)
		}
		return out.String(), nil
	case <-timer.C:
		runFuncAndLogErr(session.Close)
		return "", errors.Join(fmt.Errorf("command=%q timeout=%s", command, timeout), ErrCommandTimeout)
	}
}

// Close implements Session.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.client.Close()
	})
	return c.closeErr
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
