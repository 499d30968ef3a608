package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vocdoni/gofirma/tokensign/internal/crypto/certs"
	"github.com/vocdoni/gofirma/tokensign/internal/crypto/token"
	"github.com/vocdoni/gofirma/tokensign/internal/version"
)

type OutputFormat string

const (
	OutputFormatText  OutputFormat = "text"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatTable OutputFormat = "table"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

type certificateView struct {
	Serial      string          `json:"serial"`
	Name        string          `json:"name"`
	Subject     string          `json:"subject"`
	Issuer      string          `json:"issuer"`
	NotAfter    time.Time       `json:"notAfter"`
	Fingerprint string          `json:"fingerprint"`
	Source      token.StoreKind `json:"source"`
	TokenSerial string          `json:"tokenSerial,omitempty"`
	Library     string          `json:"library,omitempty"`
	Label       string          `json:"label,omitempty"`
	Usable      bool            `json:"usable"`
}

func newCertificateView(r token.CertificateRecord, now time.Time) certificateView {
	return certificateView{
		Serial:      certs.SerialHex(r.Certificate),
		Name:        certs.DisplayName(r.Certificate, r.Label),
		Subject:     r.Certificate.Subject.String(),
		Issuer:      r.Certificate.Issuer.String(),
		NotAfter:    r.Certificate.NotAfter,
		Fingerprint: certs.FingerprintHex(r.Certificate),
		Source:      r.Kind,
		TokenSerial: r.TokenSerial,
		Library:     r.LibraryPath,
		Label:       r.Label,
		Usable:      certs.UsableForSigning(r.Certificate, now),
	}
}

type sessionView struct {
	Provider    string          `json:"provider"`
	SessionID   string          `json:"sessionId"`
	TokenSerial string          `json:"tokenSerial"`
	Certificate certificateView `json:"certificate"`
	ChainLength int             `json:"chainLength"`
	KeyVerified *bool           `json:"keyVerified,omitempty"`
	ChainFile   string          `json:"chainFile,omitempty"`
	Revocation  *revocationView `json:"revocation,omitempty"`
}

type revocationView struct {
	Serial    string `json:"serial"`
	Responder string `json:"responder,omitempty"`
	Checked   bool   `json:"checked"`
	Revoked   bool   `json:"revoked"`
}

func (v revocationView) status() string {
	switch {
	case !v.Checked:
		return "not checked (no OCSP responder or issuer)"
	case v.Revoked:
		return "REVOKED"
	default:
		return "not revoked"
	}
}

// PrintCertificates prints scanned certificates
func (p *Printer) PrintCertificates(records []token.CertificateRecord) error {
	now := time.Now()
	views := make([]certificateView, 0, len(records))
	for _, r := range records {
		if r.Certificate != nil {
			views = append(views, newCertificateView(r, now))
		}
	}

	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"certificates": views,
		})
	case OutputFormatTable:
		if len(views) == 0 {
			fmt.Fprintln(p.writer, "No certificates found")
			return nil
		}
		fmt.Fprintf(p.writer, "%-20s %-32s %-10s %-16s %-10s %-6s\n", "SERIAL", "NAME", "SOURCE", "TOKEN", "EXPIRES", "USABLE")
		fmt.Fprintln(p.writer, strings.Repeat("-", 99))
		for _, v := range views {
			fmt.Fprintf(p.writer, "%-20s %-32s %-10s %-16s %-10s %-6t\n",
				truncate(v.Serial, 20), truncate(v.Name, 32), v.Source, truncate(v.TokenSerial, 16),
				v.NotAfter.Format(time.DateOnly), v.Usable)
		}
		return nil
	case OutputFormatText:
		if len(views) == 0 {
			fmt.Fprintln(p.writer, "No certificates found")
			return nil
		}
		fmt.Fprintln(p.writer, "Certificates:")
		for _, v := range views {
			fmt.Fprintf(p.writer, "  - %s (serial %s, %s", v.Name, v.Serial, v.Source)
			if v.TokenSerial != "" {
				fmt.Fprintf(p.writer, ", token %s", v.TokenSerial)
			}
			fmt.Fprintln(p.writer, ")")
			fmt.Fprintf(p.writer, "      issuer: %s, expires: %s\n", v.Issuer, v.NotAfter.Format(time.DateOnly))
			if v.Library != "" {
				fmt.Fprintf(p.writer, "      library: %s\n", v.Library)
			}
			if !v.Usable {
				fmt.Fprintln(p.writer, "      not usable for signing")
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSession prints the outcome of a login
func (p *Printer) PrintSession(s sessionView) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(s)
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, "Session:")
		fmt.Fprintf(p.writer, "  Provider:    %s\n", s.Provider)
		fmt.Fprintf(p.writer, "  Session ID:  %s\n", s.SessionID)
		fmt.Fprintf(p.writer, "  Token:       %s\n", s.TokenSerial)
		fmt.Fprintf(p.writer, "  Certificate: %s (serial %s)\n", s.Certificate.Name, s.Certificate.Serial)
		fmt.Fprintf(p.writer, "  Chain:       %d certificate(s)\n", s.ChainLength)
		if s.ChainFile != "" {
			fmt.Fprintf(p.writer, "  Chain file:  %s\n", s.ChainFile)
		}
		if s.KeyVerified != nil {
			fmt.Fprintf(p.writer, "  Key check:   %t\n", *s.KeyVerified)
		}
		if s.Revocation != nil {
			fmt.Fprintf(p.writer, "  Revocation:  %s\n", s.Revocation.status())
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintRevocation prints an OCSP check result
func (p *Printer) PrintRevocation(v revocationView) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(v)
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintf(p.writer, "Serial:    %s\n", v.Serial)
		if v.Responder != "" {
			fmt.Fprintf(p.writer, "Responder: %s\n", v.Responder)
		}
		fmt.Fprintf(p.writer, "Status:    %s\n", v.status())
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintVersion prints build information
func (p *Printer) PrintVersion(info version.Info) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(info)
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintf(p.writer, "tokensign version %s\n", info.Version)
		fmt.Fprintf(p.writer, "Git commit: %s\n", info.GitCommit)
		fmt.Fprintf(p.writer, "Build date: %s\n", info.BuildDate)
		fmt.Fprintf(p.writer, "Go version: %s\n", info.GoVersion)
		fmt.Fprintf(p.writer, "OS/Arch: %s/%s\n", info.OS, info.Arch)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
	default:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	}
}

func (p *Printer) printJSON(v interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}
