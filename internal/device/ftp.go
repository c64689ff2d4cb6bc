package device

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/jlaffaye/ftp"
)

// FileSession is one authenticated connection to a printer's removable
// storage.
type FileSession interface {
	List() ([]string, error)
	Retrieve(name string, w io.Writer) error
	Close() error
}

type FTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	Dir      string
	Timeout  time.Duration
}

// FTPStore opens implicit-TLS FTP sessions to a printer.
type FTPStore struct {
	opts FTPOptions
}

func NewFTPStore(opts FTPOptions) *FTPStore {
	if opts.Port == 0 {
		opts.Port = 990
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Dir == "" {
		opts.Dir = "/"
	}
	return &FTPStore{opts: opts}
}

func (s *FTPStore) Open(ctx context.Context) (FileSession, error) {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(s.opts.Timeout),
		ftp.DialWithTLS(&tls.Config{InsecureSkipVerify: true}), // #nosec G402 -- printers use self-signed certificates
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := conn.Login(s.opts.Username, s.opts.Password); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("login %s: %w", addr, err)
	}
	return &ftpSession{conn: conn, dir: s.opts.Dir}, nil
}

type ftpSession struct {
	conn *ftp.ServerConn
	dir  string
}

func (s *ftpSession) List() ([]string, error) {
	entries, err := s.conn.List(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type == ftp.EntryTypeFile {
			names = append(names, e.Name)
		}
	}
	return names, nil
}

func (s *ftpSession) Retrieve(name string, w io.Writer) error {
	path := name
	if s.dir != "/" && s.dir != "" {
		path = s.dir + "/" + name
	}
	resp, err := s.conn.Retr(path)
	if err != nil {
		return err
	}
	defer resp.Close()

	_, err = io.Copy(w, resp)
	return err
}

func (s *ftpSession) Close() error {
	return s.conn.Quit()
}
