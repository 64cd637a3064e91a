package pathinfo

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/buildstore/buildstore/internal/digest"
	"github.com/buildstore/buildstore/internal/storepath"
)

// ErrBadNarinfo is returned when a narinfo document fails to parse.
type ErrBadNarinfo struct {
	Reason string
}

func (e *ErrBadNarinfo) Error() string {
	return fmt.Sprintf("bad narinfo: %s", e.Reason)
}

// WriteNarinfo writes i in the fixed field order of spec.md §4.3/§6.2:
// writing is strict and deterministic (stable order, LF endings),
// unlike parsing which tolerates unknown keys and any order.
func WriteNarinfo(w io.Writer, i Info) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "StorePath: %s\n", i.Path.String())
	if i.URL != "" {
		fmt.Fprintf(bw, "URL: %s\n", i.URL)
	}
	if i.Compression != "" {
		fmt.Fprintf(bw, "Compression: %s\n", i.Compression)
	}
	if len(i.FileHash.Bytes) != 0 {
		fmt.Fprintf(bw, "FileHash: %s\n", i.FileHash.String())
	}
	if i.FileSize != 0 {
		fmt.Fprintf(bw, "FileSize: %d\n", i.FileSize)
	}
	fmt.Fprintf(bw, "NarHash: %s\n", i.NarHash.String())
	fmt.Fprintf(bw, "NarSize: %d\n", i.NarSize)
	fmt.Fprintf(bw, "References: %s\n", strings.Join(i.SortedReferenceBaseNames(), " "))
	if i.Deriver != nil {
		fmt.Fprintf(bw, "Deriver: %s\n", i.Deriver.BaseName())
	}
	for _, s := range i.Sigs {
		fmt.Fprintf(bw, "Sig: %s\n", s.EncodeSig())
	}
	if !i.CA.IsZero() {
		fmt.Fprintf(bw, "CA: %s\n", i.CA.String())
	}
	return bw.Flush()
}

// ParseNarinfo parses a narinfo document rooted at storeDir. Unknown
// keys are ignored (forward compatibility, per spec.md §6.2); field
// order in the input is not required, since parsing is forgiving even
// though writing is strict.
func ParseNarinfo(storeDir string, r io.Reader) (Info, error) {
	var info Info
	var refBaseNames []string
	var haveStorePath, haveNarHash bool

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		i := strings.Index(line, ":")
		if i < 0 {
			return Info{}, &ErrBadNarinfo{Reason: "malformed line: " + line}
		}
		key := line[:i]
		val := strings.TrimPrefix(line[i+1:], " ")

		switch key {
		case "StorePath":
			p, err := storepath.Parse(storeDir, val)
			if err != nil {
				return Info{}, &ErrBadNarinfo{Reason: "StorePath: " + err.Error()}
			}
			info.Path = p
			haveStorePath = true
		case "URL":
			info.URL = val
		case "Compression":
			info.Compression = CompressionMethod(val)
		case "FileHash":
			d, err := parseColonDigest(val)
			if err != nil {
				return Info{}, &ErrBadNarinfo{Reason: "FileHash: " + err.Error()}
			}
			info.FileHash = d
		case "FileSize":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return Info{}, &ErrBadNarinfo{Reason: "FileSize: " + err.Error()}
			}
			info.FileSize = n
		case "NarHash":
			d, err := parseColonDigest(val)
			if err != nil {
				return Info{}, &ErrBadNarinfo{Reason: "NarHash: " + err.Error()}
			}
			info.NarHash = d
			haveNarHash = true
		case "NarSize":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return Info{}, &ErrBadNarinfo{Reason: "NarSize: " + err.Error()}
			}
			info.NarSize = n
		case "References":
			if val != "" {
				refBaseNames = strings.Fields(val)
			}
		case "Deriver":
			if val != "" {
				d, err := storepath.ParseBaseName(storeDir, val)
				if err != nil {
					return Info{}, &ErrBadNarinfo{Reason: "Deriver: " + err.Error()}
				}
				info.Deriver = &d
			}
		case "Sig":
			sig, err := ParseSig(val)
			if err != nil {
				return Info{}, &ErrBadNarinfo{Reason: "Sig: " + err.Error()}
			}
			info.Sigs = append(info.Sigs, sig)
		case "CA":
			ca, err := parseContentAddress(val)
			if err != nil {
				return Info{}, &ErrBadNarinfo{Reason: "CA: " + err.Error()}
			}
			info.CA = ca
		default:
			// unknown keys are preserved on round-trip only by callers
			// that keep the raw document; this parser's Info model
			// carries only the fields spec.md §3.3 names.
		}
	}
	if err := scanner.Err(); err != nil {
		return Info{}, err
	}
	if !haveStorePath {
		return Info{}, &ErrBadNarinfo{Reason: "missing StorePath"}
	}
	if !haveNarHash {
		return Info{}, &ErrBadNarinfo{Reason: "missing NarHash"}
	}

	info.References = make([]storepath.Path, 0, len(refBaseNames))
	for _, bn := range refBaseNames {
		p, err := storepath.ParseBaseName(storeDir, bn)
		if err != nil {
			return Info{}, &ErrBadNarinfo{Reason: "References: " + err.Error()}
		}
		info.References = append(info.References, p)
	}
	info.RegistrationTime = time.Time{}
	return info, nil
}

func parseColonDigest(s string) (digest.Digest, error) {
	i := strings.Index(s, ":")
	if i < 0 {
		return digest.Digest{}, &ErrBadNarinfo{Reason: "expected \"algo:digest\", got " + s}
	}
	algo := digest.Algorithm(s[:i])
	return digest.Parse(algo, s)
}

func parseContentAddress(s string) (ContentAddress, error) {
	i := strings.Index(s, ":")
	if i < 0 {
		return ContentAddress{}, &ErrBadNarinfo{Reason: "malformed CA: " + s}
	}
	method := CAMethod(s[:i])
	d, err := parseColonDigest(s[i+1:])
	if err != nil {
		return ContentAddress{}, err
	}
	return ContentAddress{Method: method, Algorithm: d.Algorithm, Hash: d}, nil
}
