// Package ioc scans extracted text members line by line for security
// indicators — domains, email addresses, and IPv4 addresses — against a set
// of patterns compiled once from configuration. The scanner touches no
// storage of its own; it hands back a lazy sequence of indicators for the
// caller to persist.
package ioc

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/prohibitedtv/telecap/internal/model"
)

// maxLineBytes bounds a single scanned line before it is truncated and
// counted in the returned ScanStats.
const maxLineBytes = 64 * 1024

// Patterns holds the compiled configuration a Scanner matches against. All
// suffixes are matched case-insensitively.
type Patterns struct {
	DomainSuffixes []string
	EmailSuffixes  []string
	IPv4Networks   []*net.IPNet
}

// Scannable reports whether a member's filename should be scanned in the
// default configuration: only files ending in .txt, case-insensitive.
func Scannable(relativePath string) bool {
	return strings.EqualFold(filepath.Ext(relativePath), ".txt")
}

// Scanner matches compiled Patterns against lines of text. A single Scanner
// is shared by every worker; it holds no per-scan state, so concurrent
// ScanFile calls are safe.
type Scanner struct {
	patterns Patterns
}

// New constructs a Scanner bound to the given pattern configuration.
func New(patterns Patterns) *Scanner {
	return &Scanner{patterns: patterns}
}

// ScanStats reports what a single ScanFile call had to do beyond plain
// matching.
type ScanStats struct {
	// TruncatedLines counts lines cut at maxLineBytes during this scan.
	TruncatedLines int
}

// ScanFile reads r line by line and invokes emit for every indicator found,
// tagging each with sourceRelativePath and its 1-based source line. ScanFile
// never fails on malformed input: non-UTF-8 bytes are replaced with the
// Unicode replacement character and scanning continues; it only returns an
// error from a genuine I/O failure on r, or from emit itself.
func (s *Scanner) ScanFile(r io.Reader, sourceRelativePath string, emit func(model.ExtractedIndicator) error) (ScanStats, error) {
	cleaned := transform.NewReader(r, unicode.UTF8.NewDecoder())
	reader := bufio.NewReaderSize(cleaned, 64*1024)

	var stats ScanStats
	lineNo := 0
	for {
		line, err := readTruncatedLine(reader, &stats)
		if line == nil && err == io.EOF {
			break
		}
		if err != nil && err != io.EOF {
			return stats, err
		}
		lineNo++
		if !utf8.Valid(line) {
			line = bytes.ToValidUTF8(line, []byte("�"))
		}
		for _, hit := range s.matchLine(string(line)) {
			hit.SourceRelativePath = sourceRelativePath
			hit.SourceLine = lineNo
			if emitErr := emit(hit); emitErr != nil {
				return stats, emitErr
			}
		}
		if err == io.EOF {
			break
		}
	}
	return stats, nil
}

// readTruncatedLine reads up to the next newline, enforcing maxLineBytes: if
// a line runs longer, it is cut at the limit, stats.TruncatedLines is
// incremented, and the remainder of that physical line is discarded so
// scanning can resume cleanly at the next line. Returns io.EOF alongside the
// final (possibly empty) line when the reader is exhausted without a
// trailing newline.
func readTruncatedLine(reader *bufio.Reader, stats *ScanStats) ([]byte, error) {
	var line []byte
	truncated := false
	for {
		chunk, err := reader.ReadSlice('\n')
		if len(chunk) > 0 {
			end := len(chunk)
			if end > 0 && chunk[end-1] == '\n' {
				end--
				if end > 0 && chunk[end-1] == '\r' {
					end--
				}
			}
			if !truncated {
				if len(line)+end > maxLineBytes {
					room := maxLineBytes - len(line)
					if room > 0 {
						line = append(line, chunk[:room]...)
					}
					truncated = true
					stats.TruncatedLines++
				} else {
					line = append(line, chunk[:end]...)
				}
			}
		}
		if err == nil {
			return line, nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, io.EOF
	}
}

// matchLine returns every indicator found on a single line. A line may yield
// more than one indicator (e.g. an email and an IPv4 address together).
func (s *Scanner) matchLine(line string) []model.ExtractedIndicator {
	var hits []model.ExtractedIndicator
	hits = append(hits, s.matchEmails(line)...)
	hits = append(hits, s.matchDomains(line)...)
	hits = append(hits, s.matchIPv4(line)...)
	return hits
}

func (s *Scanner) matchEmails(line string) []model.ExtractedIndicator {
	var hits []model.ExtractedIndicator
	for _, token := range tokenize(line) {
		for _, suffix := range s.patterns.EmailSuffixes {
			if strings.HasSuffix(strings.ToLower(token), strings.ToLower(suffix)) && isValidEmail(token) {
				hits = append(hits, model.ExtractedIndicator{IndicatorType: model.IndicatorEmail, Value: token})
				break
			}
		}
	}
	return hits
}

func (s *Scanner) matchDomains(line string) []model.ExtractedIndicator {
	var hits []model.ExtractedIndicator
	for _, token := range tokenize(line) {
		if strings.Contains(token, "@") {
			continue
		}
		for _, suffix := range s.patterns.DomainSuffixes {
			if strings.HasSuffix(strings.ToLower(token), strings.ToLower(suffix)) && isValidHostname(token) {
				hits = append(hits, model.ExtractedIndicator{IndicatorType: model.IndicatorDomain, Value: token})
				break
			}
		}
	}
	return hits
}

func (s *Scanner) matchIPv4(line string) []model.ExtractedIndicator {
	var hits []model.ExtractedIndicator
	for _, token := range tokenize(line) {
		ip := net.ParseIP(token)
		if ip == nil || ip.To4() == nil {
			continue
		}
		for _, network := range s.patterns.IPv4Networks {
			if network.Contains(ip) {
				hits = append(hits, model.ExtractedIndicator{IndicatorType: model.IndicatorIPv4, Value: token})
				break
			}
		}
	}
	return hits
}

// tokenize splits a line on whitespace and a conservative set of punctuation
// that commonly delimits indicators embedded in prose (commas, brackets,
// quotes), then trims sentence-ending periods, so "found 10.0.0.5, logged in
// as admin@example.gov." yields clean tokens rather than trailing
// punctuation.
func tokenize(line string) []string {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		switch r {
		case ' ', '\t', ',', ';', '"', '\'', '(', ')', '[', ']', '{', '}', '<', '>', '|':
			return true
		}
		return false
	})
	tokens := fields[:0]
	for _, f := range fields {
		f = strings.TrimRight(f, ".")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

func isValidHostname(token string) bool {
	token = strings.TrimSuffix(token, ".")
	if token == "" || len(token) > 253 {
		return false
	}
	labels := strings.Split(token, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return false
		}
		for i, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			case r == '-' && i != 0 && i != len(label)-1:
			default:
				return false
			}
		}
	}
	return true
}

func isValidEmail(token string) bool {
	at := strings.LastIndex(token, "@")
	if at <= 0 || at == len(token)-1 {
		return false
	}
	local, domain := token[:at], token[at+1:]
	if strings.ContainsAny(local, " \t") {
		return false
	}
	return isValidHostname(domain)
}
