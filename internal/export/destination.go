package export

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

// Destination stores one export file. Write returns where the latest copy
// can be found.
type Destination interface {
	Write(ctx context.Context, kind, ext string, data []byte, at time.Time) (string, error)
	Check(ctx context.Context) error
}

func snapshotName(kind, ext string, at time.Time) string {
	return fmt.Sprintf("%s-%s.%s", kind, at.UTC().Format("20060102T150405Z"), ext)
}

// LocalDestination writes <root>/<kind>/latest.<ext> and a timestamped copy
// next to it. Files are renamed into place so readers never see a partial
// file.
type LocalDestination struct {
	Root string
}

func (d *LocalDestination) Write(_ context.Context, kind, ext string, data []byte, at time.Time) (string, error) {
	dir := filepath.Join(d.Root, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	latest := filepath.Join(dir, "latest."+ext)
	for _, target := range []string{filepath.Join(dir, snapshotName(kind, ext, at)), latest} {
		if err := writeAtomic(target, data); err != nil {
			return "", err
		}
	}
	return latest, nil
}

func writeAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".export-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("rename into %s: %w", target, err)
	}
	return nil
}

func (d *LocalDestination) Check(context.Context) error {
	if err := os.MkdirAll(d.Root, 0o755); err != nil {
		return fmt.Errorf("export directory not usable: %w", err)
	}
	f, err := os.CreateTemp(d.Root, ".check-*")
	if err != nil {
		return fmt.Errorf("export directory not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

// ftpConn is the part of *ftp.ServerConn an export needs.
type ftpConn interface {
	Login(user, password string) error
	MakeDir(path string) error
	Stor(path string, r io.Reader) error
	Quit() error
}

type FTPDestination struct {
	Host     string
	Port     int
	Username string
	Password string
	Path     string
	UseTLS   bool
	Timeout  time.Duration

	dial func(ctx context.Context, addr string, opts ...ftp.DialOption) (ftpConn, error)
}

func dialFTP(ctx context.Context, addr string, opts ...ftp.DialOption) (ftpConn, error) {
	opts = append(opts, ftp.DialWithContext(ctx))
	return ftp.Dial(addr, opts...)
}

// connect dials and logs in. The caller owns the returned connection and
// must Quit it.
func (d *FTPDestination) connect(ctx context.Context) (ftpConn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	opts := []ftp.DialOption{ftp.DialWithTimeout(timeout)}
	if d.UseTLS {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: d.Host, MinVersion: tls.VersionTLS12}))
	}

	dial := d.dial
	if dial == nil {
		dial = dialFTP
	}
	addr := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	conn, err := dial(ctx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	if err := conn.Login(d.Username, d.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("login to %s: %w", addr, err)
	}
	return conn, nil
}

func (d *FTPDestination) Write(ctx context.Context, kind, ext string, data []byte, at time.Time) (string, error) {
	conn, err := d.connect(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Quit()

	dir := path.Join("/", d.Path, kind)
	// MakeDir fails for directories that already exist; Stor reports the
	// real problem if one is missing.
	current := ""
	for _, seg := range strings.Split(strings.Trim(dir, "/"), "/") {
		current += "/" + seg
		_ = conn.MakeDir(current)
	}

	latest := path.Join(dir, "latest."+ext)
	for _, target := range []string{path.Join(dir, snapshotName(kind, ext, at)), latest} {
		if err := conn.Stor(target, bytes.NewReader(data)); err != nil {
			return "", fmt.Errorf("upload %s: %w", target, err)
		}
	}
	return fmt.Sprintf("ftp://%s%s", net.JoinHostPort(d.Host, strconv.Itoa(d.Port)), latest), nil
}

func (d *FTPDestination) Check(ctx context.Context) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	return conn.Quit()
}
