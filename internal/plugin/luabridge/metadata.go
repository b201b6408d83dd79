package luabridge

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/plugrig/plugrig/internal/descriptor"
	"github.com/plugrig/plugrig/internal/fault"
)

// Metadata header tags. A script declares its identity in comment
// lines at the top of the file:
//
//	-- @plugin_name text-tools
//	-- @plugin_description Utilities for text processing
//	-- @plugin_version 1.2.0
//	-- @plugin_author Jo Developer
//	-- @plugin_capabilities Storage,Logging
//	-- @plugin_requires core-utils
//
// Scanning stops at the first non-comment, non-blank line. Every tag
// is optional; the plugin id and name default to the file stem and
// the version to 0.1.0.
const (
	tagName         = "@plugin_name"
	tagDescription  = "@plugin_description"
	tagVersion      = "@plugin_version"
	tagAuthor       = "@plugin_author"
	tagCapabilities = "@plugin_capabilities"
	tagRequires     = "@plugin_requires"
	tagPriority     = "@plugin_priority"
)

// ParseMetadata reads the header comment block of a script and builds
// its descriptor. Script plugins always carry the Scripting
// capability on top of whatever the header declares.
func ParseMetadata(path string) (*descriptor.Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Wrap(fault.FileNotFound, err, "script %s", path)
		}
		return nil, fault.Wrap(fault.FileSystemError, err, "opening script %s", path)
	}
	defer f.Close()

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	desc := &descriptor.Descriptor{
		ID:           sanitizeID(stem),
		Name:         stem,
		Version:      descriptor.Version{Minor: 1},
		Capabilities: descriptor.CapScripting,
		Priority:     descriptor.PriorityNormal,
		ThreadModel:  descriptor.SingleThreaded,
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "--") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(line, "--"))
		tag, value, found := strings.Cut(comment, " ")
		if !found || !strings.HasPrefix(tag, "@plugin_") {
			continue
		}
		value = strings.TrimSpace(value)

		switch tag {
		case tagName:
			desc.Name = value
			desc.ID = sanitizeID(value)
		case tagDescription:
			desc.Description = value
		case tagAuthor:
			desc.Author = value
		case tagVersion:
			v, err := descriptor.ParseVersion(value)
			if err != nil {
				return nil, fault.Wrap(fault.InvalidFormat, err, "script %s: %s", path, tagVersion)
			}
			desc.Version = v
		case tagCapabilities:
			caps, unknown := descriptor.ParseCapabilities(splitList(value))
			if len(unknown) > 0 {
				return nil, fault.New(fault.InvalidFormat, "script %s: unknown capabilities %v", path, unknown)
			}
			desc.Capabilities = desc.Capabilities.With(caps)
		case tagRequires:
			desc.Requires = splitList(value)
		case tagPriority:
			p, ok := descriptor.ParsePriority(value)
			if !ok {
				return nil, fault.New(fault.InvalidFormat, "script %s: unknown priority %q", path, value)
			}
			desc.Priority = p
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fault.Wrap(fault.FileSystemError, err, "reading script %s", path)
	}

	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return desc, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// sanitizeID lowercases a name and replaces characters the id pattern
// rejects.
func sanitizeID(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	id := strings.TrimLeft(b.String(), "0123456789._-")
	if id == "" {
		id = "plugin"
	}
	return id
}
