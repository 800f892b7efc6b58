// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyagent.
//
// go-keyagent is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-keyagent/pkg/keys"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
	OutputFormatYAML OutputFormat = "yaml"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(strings.ToLower(format)),
		writer: writer,
	}
}

// KeyInfo is the printed form of a backend key.
type KeyInfo struct {
	Alias         string `json:"alias" yaml:"alias"`
	Type          string `json:"type" yaml:"type"`
	Algorithm     string `json:"algorithm" yaml:"algorithm"`
	Fingerprint   string `json:"fingerprint" yaml:"fingerprint"`
	AuthorizedKey string `json:"authorized_key" yaml:"authorized_key"`
}

func newKeyInfo(k *keys.Key) KeyInfo {
	alg := k.Algorithm().Family.String()
	switch pub := k.Public.(type) {
	case *keys.RSAPublicKey:
		alg = fmt.Sprintf("%s-%d", alg, new(big.Int).SetBytes(pub.Modulus).BitLen())
	case *keys.ECPublicKey:
		alg += "-" + pub.Curve.String()
	}
	return KeyInfo{
		Alias:         k.Alias,
		Type:          k.SSHKeyType(),
		Algorithm:     alg,
		Fingerprint:   k.Fingerprint(),
		AuthorizedKey: k.AuthorizedKey(),
	}
}

// PrintKeyList prints a list of keys
func (p *Printer) PrintKeyList(list []*keys.Key) error {
	infos := make([]KeyInfo, len(list))
	for i, k := range list {
		infos[i] = newKeyInfo(k)
	}

	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{"keys": infos})
	case OutputFormatYAML:
		return p.printYAML(map[string]any{"keys": infos})
	case OutputFormatText:
		if len(infos) == 0 {
			fmt.Fprintln(p.writer, "No keys found")
			return nil
		}
		for _, k := range infos {
			fmt.Fprintf(p.writer, "%s %s (%s)\n", k.Fingerprint, k.Alias, k.Algorithm)
			fmt.Fprintf(p.writer, "  %s\n", k.AuthorizedKey)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintValue prints v as JSON or YAML, or as text using fn.
func (p *Printer) PrintValue(v any, fn func(w io.Writer)) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(v)
	case OutputFormatYAML:
		return p.printYAML(v)
	case OutputFormatText:
		fn(p.writer)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	return p.PrintValue(map[string]any{
		"status":  "success",
		"message": message,
	}, func(w io.Writer) {
		fmt.Fprintln(w, message)
	})
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	return p.PrintValue(map[string]any{
		"status": "error",
		"error":  err.Error(),
	}, func(w io.Writer) {
		fmt.Fprintf(w, "Error: %v\n", err)
	})
}

func (p *Printer) printJSON(data any) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func (p *Printer) printYAML(data any) error {
	encoder := yaml.NewEncoder(p.writer)
	encoder.SetIndent(2)
	if err := encoder.Encode(data); err != nil {
		return err
	}
	return encoder.Close()
}
