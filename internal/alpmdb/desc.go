package alpmdb

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// parseDesc reads the %KEY%\nvalue...\n\n block format shared by local
// db desc files and sync db desc/files entries.
func parseDesc(r io.Reader) (map[string][]string, error) {
	fields := make(map[string][]string)
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1024*1024)

	var key string
	for s.Scan() {
		line := strings.TrimRight(s.Text(), "\r")
		switch {
		case line == "":
			key = ""
		case strings.HasPrefix(line, "%") && strings.HasSuffix(line, "%"):
			key = strings.Trim(line, "%")
		case key != "":
			fields[key] = append(fields[key], line)
		}
	}
	return fields, s.Err()
}

func (p *Package) fillFromDesc(fields map[string][]string) {
	first := func(key string) string {
		if v := fields[key]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	if v := first("NAME"); v != "" {
		p.Name = v
	}
	if v := first("BASE"); v != "" {
		p.Base = v
	}
	if v := first("VERSION"); v != "" {
		p.Version = v
	}
	if v := first("ARCH"); v != "" {
		p.Arch = v
	}
	if v := first("FILENAME"); v != "" {
		p.Filename = v
	}
	if v := first("CSIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			p.CSize = n
		}
	}
	if v := first("SHA256SUM"); v != "" {
		p.SHA256 = v
	}
	if v := first("MD5SUM"); v != "" {
		p.MD5 = v
	}
	if v := first("PGPSIG"); v != "" {
		p.PGPSig = v
	}
	if files := fields["FILES"]; len(files) > 0 {
		p.Files = append(p.Files, files...)
	}
}
