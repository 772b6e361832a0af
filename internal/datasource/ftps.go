package datasource

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/secsy/goftp"
)

type ftpsSource struct {
	config  goftp.Config
	addr    string
	baseDir string
}

func NewFTPSSource() (Source, error) {
	host := os.Getenv("FTPS_HOST")
	user := os.Getenv("FTPS_USER")
	pw := os.Getenv("FTPS_PASSWORD")
	if host == "" || user == "" || pw == "" {
		return nil, fmt.Errorf("FTPS_HOST/FTPS_USER/FTPS_PASSWORD required for ftps data source")
	}
	port := os.Getenv("FTPS_PORT")
	if port == "" {
		port = "21"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid ftps port: %w", err)
	}
	return &ftpsSource{
		config: goftp.Config{
			User:               user,
			Password:           pw,
			TLSConfig:          &tls.Config{InsecureSkipVerify: true}, // rely on network ACLs for now
			TLSMode:            goftp.TLSExplicit,
			Timeout:            30 * time.Second,
			ConnectionsPerHost: 1,
		},
		addr:    fmt.Sprintf("%s:%s", host, port),
		baseDir: os.Getenv("FTPS_BASE_DIR"),
	}, nil
}

func (f *ftpsSource) Name() string {
	return "ftps"
}

func (f *ftpsSource) Sync(ctx context.Context, dest *Destination) (Report, error) {
	var report Report
	client, err := goftp.DialConfig(f.config, f.addr)
	if err != nil {
		return report, fmt.Errorf("ftps dial: %w", err)
	}
	defer client.Close()

	root := f.baseDir
	if root == "" {
		root = "."
	}
	err = f.walk(ctx, client, root, "", dest, &report)
	return report, err
}

func (f *ftpsSource) walk(ctx context.Context, client *goftp.Client, dir, rel string, dest *Destination, report *Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := client.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("ftps list %s: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == "." || name == ".." {
			continue
		}
		remote := path.Join(dir, name)
		local := path.Join(rel, name)
		if entry.IsDir() {
			if err := f.walk(ctx, client, remote, local, dest, report); err != nil {
				return err
			}
			continue
		}
		if dest.Fresh(local, entry.Size(), entry.ModTime()) {
			report.Skipped++
			continue
		}
		n, err := dest.Write(local, entry.ModTime(), func(w io.Writer) error {
			if err := client.Retrieve(remote, w); err != nil {
				return fmt.Errorf("ftps retrieve %s: %w", remote, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		report.Files++
		report.Bytes += n
	}
	return nil
}
