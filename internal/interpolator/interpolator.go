// Package interpolator renders attachment path and URL templates.
//
// Placeholders start with a colon and are matched case-insensitively:
//
//	:attachment    attachment name
//	:id            owner id
//	:id_partition  owner id split into fixed-width groups, e.g. 000/001/234
//	:style         style name
//	:filename      original file name
//	:basename      original file name without extension
//	:extension     extension without the dot
//	:class         owner class with package separators turned into slashes
//	:class_name    owner class without its package qualifier
//	:table         owner table, derived from the class when unset
//	:url           the attachment's URL template, interpolated for the same style
//
// Unknown placeholders are left untouched.
package interpolator

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/mansoorceksport/stapler/internal/domain"
)

// Longer names come first so :id_partition wins over :id and :class_name
// over :class. Text after a name is never part of it, so ":style_:filename"
// renders both placeholders.
var placeholderPattern = regexp.MustCompile(`(?i):(id_partition|class_name|attachment|basename|extension|filename|class|table|style|url|id)`)

// Interpolator implements domain.Interpolator.
type Interpolator struct{}

// New returns an Interpolator.
func New() *Interpolator {
	return &Interpolator{}
}

// Interpolate substitutes every recognized placeholder in template.
func (i *Interpolator) Interpolate(template string, src domain.InterpolationSource, style string) string {
	return i.interpolate(template, src, style, true)
}

func (i *Interpolator) interpolate(template string, src domain.InterpolationSource, style string, expandURL bool) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(token string) string {
		switch strings.ToLower(token[1:]) {
		case "attachment":
			return src.Name()
		case "id":
			return src.Owner().ID
		case "id_partition":
			return IDPartition(src.Owner().ID)
		case "style":
			return style
		case "filename":
			return src.OriginalFilename()
		case "basename":
			name := src.OriginalFilename()
			return strings.TrimSuffix(name, filepath.Ext(name))
		case "extension":
			return strings.TrimPrefix(filepath.Ext(src.OriginalFilename()), ".")
		case "class":
			return classPath(src.Owner().Class)
		case "class_name":
			return className(src.Owner().Class)
		case "table":
			return table(src.Owner())
		case "url":
			if !expandURL {
				return token
			}
			return i.interpolate(src.URLTemplate(), src, style, false)
		}
		return token
	})
}

// IDPartition splits an id into three fixed-width groups to bound directory fan-out.
// Numeric ids are zero padded to nine digits; other ids keep their first three
// three-character groups.
func IDPartition(id string) string {
	if id == "" {
		return ""
	}
	if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		padded := strconv.FormatUint(n, 10)
		if len(padded) < 9 {
			padded = strings.Repeat("0", 9-len(padded)) + padded
		}
		return strings.Join(chunk(padded, 3), "/")
	}

	groups := chunk(id, 3)
	if len(groups) > 3 {
		groups = groups[:3]
	}
	return strings.Join(groups, "/")
}

func chunk(s string, size int) []string {
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	return append(out, s)
}

func classPath(class string) string {
	r := strings.NewReplacer(`\`, "/", ".", "/", "::", "/")
	return r.Replace(class)
}

func className(class string) string {
	p := classPath(class)
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		return p[idx+1:]
	}
	return p
}

func table(owner domain.Owner) string {
	if owner.Table != "" {
		return owner.Table
	}
	return snakeCase(className(owner.Class)) + "s"
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
