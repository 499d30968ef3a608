package systemstore

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/vocdoni/gofirma/tokensign/internal/crypto/token"
	"github.com/vocdoni/gofirma/tokensign/internal/logging"
	"github.com/vocdoni/gofirma/tokensign/internal/metrics"
)

// WorkerCommand is the hidden CLI command that scans one library and writes
// the records as JSON to stdout.
const WorkerCommand = "scan-worker"

type recordDTO struct {
	CertPEM     string `json:"certPem"`
	TokenSerial string `json:"tokenSerial"`
	LibraryPath string `json:"libraryPath"`
	Label       string `json:"label,omitempty"`
	IDHex       string `json:"idHex,omitempty"`
}

// WorkerSource scans each library in a child process, so that a vendor
// module crashing the process only loses its own certificates.
type WorkerSource struct {
	Paths []string
	// Command builds the worker invocation for a library. Nil runs the
	// current executable with WorkerCommand.
	Command func(ctx context.Context, libPath string) (*exec.Cmd, error)
	Log     *logging.Logger
}

func (s *WorkerSource) Name() string { return "PKCS#11 (isolated)" }

func (s *WorkerSource) List(ctx context.Context) ([]token.CertificateRecord, error) {
	log := s.Log
	if log == nil {
		log = logging.Discard()
	}
	var records []token.CertificateRecord
	for _, path := range s.Paths {
		if ctx.Err() != nil {
			return records, ctx.Err()
		}
		found, err := s.scan(ctx, path)
		if err != nil {
			log.Warnf("skipping PKCS#11 library %s: %v", path, err)
			metrics.RecordEnumerationFailure(metrics.StageLibrary)
			continue
		}
		records = append(records, found...)
	}
	metrics.RecordCertificatesEnumerated(len(records))
	return records, nil
}

func (s *WorkerSource) scan(ctx context.Context, path string) ([]token.CertificateRecord, error) {
	command := s.Command
	if command == nil {
		command = selfCommand
	}
	cmd, err := command(ctx, path)
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("scan worker failed: %w stderr=%s", err, strings.TrimSpace(stderr.String()))
	}
	records, err := DecodeRecords(bytes.NewReader(stdout))
	if err != nil {
		return nil, fmt.Errorf("decode scan worker output: %w stderr=%s", err, strings.TrimSpace(stderr.String()))
	}
	return records, nil
}

func selfCommand(ctx context.Context, libPath string) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return exec.CommandContext(ctx, exe, WorkerCommand, "--lib", libPath), nil
}

// RunScanWorker scans libPath with e and writes the records to w. It is the
// body of the hidden worker command.
func RunScanWorker(ctx context.Context, e *token.Enumerator, libPath string, w io.Writer) error {
	records, err := e.ScanLibrary(ctx, libPath)
	if err != nil {
		return fmt.Errorf("scan %s: %w", libPath, err)
	}
	return EncodeRecords(w, records)
}

// EncodeRecords writes records as a JSON array.
func EncodeRecords(w io.Writer, records []token.CertificateRecord) error {
	out := make([]recordDTO, 0, len(records))
	for _, r := range records {
		if r.Certificate == nil {
			continue
		}
		out = append(out, recordDTO{
			CertPEM:     string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: r.Certificate.Raw})),
			TokenSerial: r.TokenSerial,
			LibraryPath: r.LibraryPath,
			Label:       r.Label,
			IDHex:       hex.EncodeToString(r.KeyID),
		})
	}
	if err := json.NewEncoder(w).Encode(out); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// DecodeRecords reads what EncodeRecords wrote. Entries that do not hold a
// valid certificate are dropped.
func DecodeRecords(r io.Reader) ([]token.CertificateRecord, error) {
	var payload []recordDTO
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, err
	}
	out := make([]token.CertificateRecord, 0, len(payload))
	for _, dto := range payload {
		block, _ := pem.Decode([]byte(dto.CertPEM))
		if block == nil || len(block.Bytes) == 0 {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		keyID, err := hex.DecodeString(dto.IDHex)
		if err != nil {
			continue
		}
		if len(keyID) == 0 {
			keyID = nil
		}
		out = append(out, token.CertificateRecord{
			Certificate: cert,
			Kind:        token.StoreKindPKCS11,
			TokenSerial: dto.TokenSerial,
			LibraryPath: dto.LibraryPath,
			Label:       dto.Label,
			KeyID:       keyID,
		})
	}
	return out, nil
}
