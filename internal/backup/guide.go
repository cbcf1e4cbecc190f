package backup

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/0xef53/kvmfleet/internal/osrelease"

	humanize "github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var guideTemplate = template.Must(template.New("guide").Parse(`# Recovery guide: {{ .Host }}

| | |
|---|---|
| Host | {{ .Host }} ({{ .Address }}) |
| Hostname | {{ or .Hostname "unknown" }} |
| Operating system | {{ .OS }} |
| Backup taken | {{ .Timestamp.Format "2006-01-02 15:04:05 MST" }} |
| Captured paths | {{ if .Paths }}{{ range $i, $p := .Paths }}{{ if $i }}, {{ end }}` + "`{{ $p }}`" + `{{ end }}{{ else }}none{{ end }} |
| Files | {{ .Files }} ({{ .Size }}) |
{{- if .Checksum }}
| Archive checksum (BLAKE3) | ` + "`{{ .Checksum }}`" + ` |
{{- end }}

## Restoration checklist

1. Reinstall {{ .OS }} on the replacement hardware and bring up the network
   using ` + "`sysinfo/ip-addr.txt`" + ` as a reference.
2. Recreate the partition layout and filesystems according to
   ` + "`sysinfo/lsblk.txt`" + ` and ` + "`sysinfo/blkid.txt`" + `.
   Keep the UUIDs if ` + "`sysinfo/fstab.txt`" + ` refers to them.
3. Verify the archive before use:
   ` + "`b3sum " + ArchiveName + "`" + ` must print the checksum above.
4. Copy the archive to the host and unpack it into a staging directory:
   ` + "`mkdir /root/restore && tar xzf " + ArchiveName + " -C /root/restore`" + `.
5. Restore the configuration selectively, comparing with the files in ` + "`" + FilesDir + "/`" + `.
   Do not overwrite ` + "`/etc/fstab`" + ` and network settings blindly.
6. Restore ` + "`/root/.ssh`" + ` and the cron spool if they were captured.
7. Reboot and check that all services and workloads start.
`))

type guideData struct {
	Host      string
	Address   string
	Hostname  string
	OS        string
	Timestamp time.Time
	Paths     []string
	Files     int64
	Size      string
	Checksum  string
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// guide writes RECOVERY.md and its HTML rendering.
func (b *Backup) guide(ctx context.Context) error {
	info, err := osrelease.Detect(b.releaseReader())
	if err != nil {
		b.logger.Warnf("Cannot detect the operating system: %s", err)
	}

	data := guideData{
		Host:      b.p.Host,
		Address:   b.p.Credentials.Addr(),
		Hostname:  b.hostname,
		OS:        info.String(),
		Timestamp: b.startedAt,
		Paths:     b.existing,
		Checksum:  b.checksum,
	}

	if b.stat != nil {
		data.Files = b.stat.Files
		data.Size = humanize.IBytes(uint64(b.stat.Bytes))
	}

	b.osinfo = info

	var md bytes.Buffer

	if err := guideTemplate.Execute(&md, &data); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(b.dir, GuideName), md.Bytes(), 0640); err != nil {
		return err
	}

	var html bytes.Buffer

	html.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Recovery guide: ")
	template.HTMLEscape(&html, []byte(b.p.Host))
	html.WriteString("</title></head><body>\n")

	if err := markdown.Convert(md.Bytes(), &html); err != nil {
		return err
	}

	html.WriteString("</body></html>\n")

	if err := os.WriteFile(filepath.Join(b.dir, GuideHTML), html.Bytes(), 0640); err != nil {
		return err
	}

	b.runner.Logf(ctx, "Recovery guide written (%s)", data.OS)

	return nil
}

// releaseReader prefers the captured os-release text, then the files
// extracted from the archive.
func (b *Backup) releaseReader() osrelease.ReadFunc {
	extracted := osrelease.DirReader(filepath.Join(b.dir, FilesDir))

	return func(name string) ([]byte, error) {
		if name == "etc/os-release" {
			data, err := os.ReadFile(filepath.Join(b.dir, SysinfoDir, "os-release.txt"))
			switch {
			case err == nil:
				return data, nil
			case !errors.Is(err, fs.ErrNotExist):
				return nil, err
			}
		}

		return extracted(name)
	}
}
