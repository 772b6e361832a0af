package datasource

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type sftpSource struct {
	addr     string
	user     string
	password string
	keyPath  string
	baseDir  string
	// dial is swapped in tests for an in-process server.
	dial func() (*sftp.Client, error)
}

func NewSFTPSource() (Source, error) {
	host := os.Getenv("SFTP_HOST")
	user := os.Getenv("SFTP_USER")
	if host == "" || user == "" {
		return nil, fmt.Errorf("SFTP_HOST and SFTP_USER required for sftp data source")
	}
	port := os.Getenv("SFTP_PORT")
	if port == "" {
		port = "22"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid sftp port: %w", err)
	}
	s := &sftpSource{
		addr:     net.JoinHostPort(host, port),
		user:     user,
		password: os.Getenv("SFTP_PASSWORD"),
		keyPath:  os.Getenv("SFTP_KEY_PATH"),
		baseDir:  os.Getenv("SFTP_BASE_DIR"),
	}
	s.dial = s.newClient
	return s, nil
}

func (s *sftpSource) Name() string {
	return "sftp"
}

func (s *sftpSource) Sync(ctx context.Context, dest *Destination) (Report, error) {
	var report Report
	client, err := s.dial()
	if err != nil {
		return report, err
	}
	defer client.Close()

	root := strings.TrimSuffix(s.baseDir, "/")
	if root == "" {
		root = "."
	}
	walker := client.Walk(root)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := walker.Err(); err != nil {
			return report, fmt.Errorf("walk %s: %w", walker.Path(), err)
		}
		info := walker.Stat()
		if info == nil || !info.Mode().IsRegular() {
			continue
		}
		remote := walker.Path()
		rel := strings.TrimPrefix(path.Clean(remote), path.Clean(root))
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" {
			continue
		}
		if dest.Fresh(rel, info.Size(), info.ModTime()) {
			report.Skipped++
			continue
		}
		n, err := dest.Write(rel, info.ModTime(), func(w io.Writer) error {
			f, err := client.Open(remote)
			if err != nil {
				return fmt.Errorf("open %s: %w", remote, err)
			}
			defer f.Close()
			_, err = io.Copy(w, f)
			return err
		})
		if err != nil {
			return report, err
		}
		report.Files++
		report.Bytes += n
	}
	return report, nil
}

func (s *sftpSource) newClient() (*sftp.Client, error) {
	auths := []ssh.AuthMethod{}
	if s.keyPath != "" {
		key, err := os.ReadFile(s.keyPath)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if s.password != "" {
		auths = append(auths, ssh.Password(s.password))
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("sftp data source requires password or key")
	}
	cfg := ssh.ClientConfig{
		User:            s.user,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	conn, err := ssh.Dial("tcp", s.addr, &cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial: %w", err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftp session: %w", err)
	}
	return client, nil
}
