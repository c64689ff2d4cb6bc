package payment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/bitlair/Print-manager/internal/config"
)

var (
	ErrInvalidHostKey = errors.New("invalid bank host key")
	ErrInvalidPayment = errors.New("invalid payment")
)

// Bank charges prints through the bank host's interactive shell: the command
// is typed first, then the weight in grams, then the username.
type Bank struct {
	addr    string
	command string
	timeout time.Duration
	config  *ssh.ClientConfig
	logger  *slog.Logger
}

func NewBank(cfg config.PaymentConfig, logger *slog.Logger) (*Bank, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bank", "host", cfg.Host)

	hostKeyCallback := ssh.InsecureIgnoreHostKey() // #nosec G106 -- only when no host_key is configured
	if cfg.HostKey != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.HostKey))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHostKey, err)
		}
		hostKeyCallback = ssh.FixedHostKey(key)
	} else {
		logger.Warn("bank host key not configured, accepting any key")
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	command := cfg.Command
	if command == "" {
		command = "3dprint"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Bank{
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		command: command,
		timeout: timeout,
		config: &ssh.ClientConfig{
			User:            cfg.Username,
			Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         timeout,
		},
		logger: logger,
	}, nil
}

// Script is what gets typed into the bank shell for one payment.
func Script(command string, weightGrams int, username string) (string, error) {
	if weightGrams <= 0 {
		return "", fmt.Errorf("%w: weight %d", ErrInvalidPayment, weightGrams)
	}
	if username == "" || strings.ContainsAny(username, "\r\n") {
		return "", fmt.Errorf("%w: username %q", ErrInvalidPayment, username)
	}
	return fmt.Sprintf("%s\n%d\n%s\n", command, weightGrams, username), nil
}

func (b *Bank) Pay(ctx context.Context, weightGrams int, username string) error {
	script, err := Script(b.command, weightGrams, username)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", b.addr)
	if err != nil {
		return fmt.Errorf("dial bank: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, b.addr, b.config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("bank handshake: %w", err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("bank session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("bank stdin: %w", err)
	}
	if err := session.Shell(); err != nil {
		return fmt.Errorf("bank shell: %w", err)
	}

	if _, err := io.WriteString(stdin, script); err != nil {
		return fmt.Errorf("write to bank: %w", err)
	}
	stdin.Close()

	err = session.Wait()
	b.logger.Debug("bank session ended", "stdout", stdout.String(), "stderr", stderr.String())

	var missing *ssh.ExitMissingError
	if err != nil && !errors.As(err, &missing) {
		return fmt.Errorf("bank shell exited: %w", err)
	}
	return nil
}
