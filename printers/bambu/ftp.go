package bambu

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/jlaffaye/ftp"

	"printernizer/printers"
)

// cacheDir is where Bambu printers keep sliced files reachable over FTP.
const cacheDir = "/cache"

const ftpsPort = 990

// ftpSession is the slice of the FTP client the driver uses; narrowed so
// tests can fake the whole file path.
type ftpSession interface {
	List(path string) ([]*ftp.Entry, error)
	Retr(path string) (*ftp.Response, error)
	Quit() error
}

// dialImplicitTLS opens the printer's FTPS endpoint. Bambu negotiates TLS
// before any FTP command (implicit TLS) and authenticates with bblp and the
// access code, same as MQTT.
func (d *Driver) dialImplicitTLS(ctx context.Context) (ftpSession, error) {
	addr := fmt.Sprintf("%s:%d", d.cfg.Host, ftpsPort)
	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTLS(&tls.Config{InsecureSkipVerify: true}),
		ftp.DialWithTimeout(d.cfg.ConnectTimeout),
	)
	if err != nil {
		return nil, &printers.ConnectionError{PrinterID: d.cfg.PrinterID, Err: err}
	}
	if err := conn.Login("bblp", d.cfg.AccessCode); err != nil {
		conn.Quit()
		return nil, &printers.AuthError{PrinterID: d.cfg.PrinterID, Reason: "ftp login: " + err.Error()}
	}
	return conn, nil
}

// fileStrategy is one way of producing a printer file listing. Strategies
// run in declared priority order; the first success wins.
type fileStrategy struct {
	name string
	list func(ctx context.Context) ([]printers.PrinterFile, error)
}

func (d *Driver) listStrategies() []fileStrategy {
	return []fileStrategy{
		{name: "ftp", list: d.listViaFTP},
		{name: "mqtt", list: d.listViaMQTT},
	}
}

// ListFiles tries each listing strategy in order; exhausted strategies
// aggregate into a single error.
func (d *Driver) ListFiles(ctx context.Context) ([]printers.PrinterFile, error) {
	var errs []error
	for _, strat := range d.listStrategies() {
		files, err := strat.list(ctx)
		if err == nil {
			d.logger.Debug("bambu file listing succeeded",
				"printer", d.cfg.PrinterID, "strategy", strat.name, "count", len(files))
			return files, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", strat.name, err))
	}
	return nil, fmt.Errorf("all file listing strategies failed: %w", errors.Join(errs...))
}

func (d *Driver) listViaFTP(ctx context.Context) ([]printers.PrinterFile, error) {
	session, err := d.dialFTP(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Quit()

	entries, err := session.List(cacheDir)
	if err != nil {
		return nil, &printers.ConnectionError{PrinterID: d.cfg.PrinterID, Err: err}
	}

	var files []printers.PrinterFile
	for _, entry := range entries {
		if entry.Type != ftp.EntryTypeFile {
			continue
		}
		if !isPrintableFile(entry.Name) {
			continue
		}
		f := printers.PrinterFile{
			Name:      path.Join(cacheDir, entry.Name),
			SizeBytes: int64(entry.Size),
		}
		if !entry.Time.IsZero() {
			t := entry.Time
			f.ModifiedAt = &t
		}
		files = append(files, f)
	}
	return files, nil
}

// listViaMQTT infers the current file from the last report. It is a degraded
// listing used when FTP is unreachable.
func (d *Driver) listViaMQTT(ctx context.Context) ([]printers.PrinterFile, error) {
	d.mu.Lock()
	gcodeFile := d.report.GcodeFile
	reportAt := d.reportAt
	d.mu.Unlock()

	if gcodeFile == "" || reportAt.IsZero() {
		return nil, errors.New("no file information in mqtt reports")
	}
	t := reportAt
	return []printers.PrinterFile{{
		Name:       path.Join(cacheDir, gcodeFile),
		ModifiedAt: &t,
	}}, nil
}

func isPrintableFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".3mf", ".gcode", ".bgcode", ".stl":
		return true
	}
	return false
}

// DownloadFile fetches remoteName over FTP and streams it to localPath.
func (d *Driver) DownloadFile(ctx context.Context, remoteName, localPath string) error {
	session, err := d.dialFTP(ctx)
	if err != nil {
		return err
	}
	defer session.Quit()

	remote := remoteName
	if !strings.HasPrefix(remote, "/") {
		remote = path.Join(cacheDir, remote)
	}

	resp, err := session.Retr(remote)
	if err != nil {
		return &printers.ConnectionError{PrinterID: d.cfg.PrinterID,
			Err: fmt.Errorf("retrieve %s: %w", remote, err)}
	}
	defer resp.Close()

	tmp := localPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, readerWithDeadline(ctx, resp)); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("download %s: %w", remote, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, localPath)
}

// readerWithDeadline aborts a read when the context expires. FTP transfers
// block in the library, so cancellation is enforced at the copy loop.
func readerWithDeadline(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-c.ctx.Done():
		return 0, c.ctx.Err()
	default:
	}
	// Bound reads so cancellation is observed at least every chunk.
	if len(p) > 64*1024 {
		p = p[:64*1024]
	}
	return c.r.Read(p)
}
