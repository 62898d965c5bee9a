package blobstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPConfig identifies the remote host and directory for SFTPStore.
type SFTPConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	// PrivateKey is a PEM key, raw or base64 encoded. It takes precedence
	// over Password.
	PrivateKey string
	Root       string
}

// SFTPStore keeps blobs as files on a remote host. Each operation dials its
// own session.
type SFTPStore struct {
	cfg    SFTPConfig
	config *ssh.ClientConfig
	addr   string
}

// NewSFTP validates cfg and prepares the ssh client configuration.
func NewSFTP(cfg SFTPConfig) (*SFTPStore, error) {
	if cfg.Host == "" || cfg.User == "" || cfg.Root == "" {
		return nil, fmt.Errorf("sftp blob store requires host, user and root")
	}
	if cfg.Port == "" {
		cfg.Port = "22"
	}

	var auths []ssh.AuthMethod
	if cfg.PrivateKey != "" {
		// try to decode as base64, fall back to raw
		keyBytes, err := base64.StdEncoding.DecodeString(cfg.PrivateKey)
		if err != nil {
			keyBytes = []byte(cfg.PrivateKey)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	} else if cfg.Password != "" {
		auths = append(auths, ssh.Password(cfg.Password))
	} else {
		return nil, fmt.Errorf("no auth method provided; set password or private key")
	}

	return &SFTPStore{
		cfg: cfg,
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auths,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         10 * time.Second,
		},
		addr: net.JoinHostPort(cfg.Host, cfg.Port),
	}, nil
}

func (s *SFTPStore) session(ctx context.Context, fn func(*sftp.Client) error) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dial tcp %s: %w", s.addr, err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, s.addr, s.config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", s.addr, err)
	}
	sshClient := ssh.NewClient(clientConn, chans, reqs)
	defer sshClient.Close()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return fmt.Errorf("create sftp client: %w", err)
	}
	defer client.Close()
	return fn(client)
}

func (s *SFTPStore) remotePath(hexDigest string) string {
	return path.Join(s.cfg.Root, hexDigest[:2], hexDigest)
}

func (s *SFTPStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := RefFor(data)
	hexDigest, _ := digest(ref)
	remote := s.remotePath(hexDigest)

	err := s.session(ctx, func(client *sftp.Client) error {
		if _, err := client.Stat(remote); err == nil {
			return nil
		}
		dir := path.Dir(remote)
		if err := mkdirAllSFTP(client, dir); err != nil {
			return fmt.Errorf("ensure remote dir %s: %w", dir, err)
		}
		tmp := remote + ".part"
		f, err := client.Create(tmp)
		if err != nil {
			return fmt.Errorf("create remote file %s: %w", tmp, err)
		}
		if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
			f.Close()
			return fmt.Errorf("copy to remote file %s: %w", tmp, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close remote file %s: %w", tmp, err)
		}
		return client.PosixRename(tmp, remote)
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

func (s *SFTPStore) Get(ctx context.Context, ref string) ([]byte, error) {
	hexDigest, err := digest(ref)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.session(ctx, func(client *sftp.Client) error {
		f, err := client.Open(s.remotePath(hexDigest))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrNotFound, ref)
			}
			return fmt.Errorf("open remote blob: %w", err)
		}
		defer f.Close()
		data, err = io.ReadAll(f)
		return err
	})
	return data, err
}

func (s *SFTPStore) Delete(ctx context.Context, ref string) error {
	hexDigest, err := digest(ref)
	if err != nil {
		return err
	}
	return s.session(ctx, func(client *sftp.Client) error {
		if err := client.Remove(s.remotePath(hexDigest)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove remote blob: %w", err)
		}
		return nil
	})
}

func (s *SFTPStore) Close() error {
	return nil
}

// mkdirAllSFTP mimics os.MkdirAll for an SFTP server by creating each segment of the path.
func mkdirAllSFTP(client *sftp.Client, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}

	parts := strings.Split(dir, "/")
	cur := ""
	if strings.HasPrefix(dir, "/") {
		cur = "/"
	}

	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = path.Join(cur, p)
		if _, err := client.Stat(cur); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat %s: %w", cur, err)
			}
			if err := client.Mkdir(cur); err != nil {
				return fmt.Errorf("mkdir %s: %w", cur, err)
			}
		}
	}
	return nil
}
