package octoprint

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"printernizer/printers"
)

// fileEntry mirrors one node of GET /api/files?recursive=true.
type fileEntry struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     string      `json:"type"` // machinecode, model, folder
	Origin   string      `json:"origin"`
	Size     int64       `json:"size"`
	Date     int64       `json:"date"`
	Children []fileEntry `json:"children"`
	Refs     struct {
		Download string `json:"download"`
	} `json:"refs"`
}

type filesResponse struct {
	Files []fileEntry `json:"files"`
}

// ListFiles fetches the recursive listing across both storage origins.
// Entries are path-prefixed by origin (local/... or sdcard/...).
func (d *Driver) ListFiles(ctx context.Context) ([]printers.PrinterFile, error) {
	var resp filesResponse
	if err := d.get(ctx, "/api/files?recursive=true", &resp); err != nil {
		return nil, err
	}
	var files []printers.PrinterFile
	for _, entry := range resp.Files {
		collectFiles(entry, &files)
	}
	return files, nil
}

func collectFiles(entry fileEntry, out *[]printers.PrinterFile) {
	if entry.Type == "folder" {
		for _, child := range entry.Children {
			collectFiles(child, out)
		}
		return
	}
	if entry.Type != "machinecode" && entry.Type != "model" {
		return
	}
	origin := entry.Origin
	if origin == "" {
		origin = "local"
	}
	f := printers.PrinterFile{
		Name:      origin + "/" + entry.Path,
		SizeBytes: entry.Size,
	}
	if entry.Date > 0 {
		t := time.Unix(entry.Date, 0).UTC()
		f.ModifiedAt = &t
	}
	*out = append(*out, f)
}

// DownloadFile resolves the file's download ref and streams it to localPath.
// remoteName is origin-prefixed, as produced by ListFiles.
func (d *Driver) DownloadFile(ctx context.Context, remoteName, localPath string) error {
	var info fileEntry
	if err := d.get(ctx, "/api/files/"+escapePath(remoteName), &info); err != nil {
		return err
	}
	downloadURL := info.Refs.Download
	if downloadURL == "" {
		return fmt.Errorf("file %s has no download ref", remoteName)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", d.cfg.APIKey)

	resp, err := d.http.Do(req)
	if err != nil {
		return &printers.ConnectionError{PrinterID: d.cfg.PrinterID, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", remoteName, resp.Status)
	}

	tmp := localPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("download %s: %w", remoteName, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, localPath)
}

// escapePath encodes each path segment while keeping the separators.
func escapePath(p string) string {
	u := &url.URL{Path: p}
	return u.EscapedPath()
}
