// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/observer"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/page"
	"github.com/spf13/cobra"
	"golang.org/x/net/html"
)

// ScanReport is what the observer would see on a page.
type ScanReport struct {
	URL        string                `json:"url"`
	Site       string                `json:"site"`
	Title      string                `json:"title"`
	FieldKinds []datatypes.FieldKind `json:"fieldKinds"`
	Forms      []ScannedForm         `json:"forms"`
}

// ScannedForm describes one detected login form.
type ScannedForm struct {
	Container string   `json:"container"`
	Formless  bool     `json:"formless"`
	Usernames []string `json:"usernames"`
	Passwords []string `json:"passwords"`
}

func runScan(cmd *cobra.Command, args []string) error {
	rawURL, _ := cmd.Flags().GetString("url")
	asJSON, _ := cmd.Flags().GetBool("json")

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer f.Close()

	report, err := scanPage(f, rawURL)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(cmd.OutOrStdout(), report)
	return nil
}

func scanPage(r io.Reader, rawURL string) (ScanReport, error) {
	site, err := datatypes.SiteIdentity(rawURL)
	if err != nil {
		return ScanReport{}, err
	}
	doc, err := page.Parse(r, rawURL)
	if err != nil {
		return ScanReport{}, err
	}

	report := ScanReport{
		URL:        rawURL,
		Site:       site,
		Title:      doc.Title(),
		FieldKinds: observer.FieldKinds(doc).Sorted(),
		Forms:      []ScannedForm{},
	}
	for _, m := range observer.ScanForCredentialForms(doc) {
		report.Forms = append(report.Forms, ScannedForm{
			Container: describe(doc, m.Container),
			Formless:  m.Formless,
			Usernames: describeAll(doc, m.Usernames),
			Passwords: describeAll(doc, m.Passwords),
		})
	}
	return report, nil
}

// describe renders a node as tag#id or tag[name=...].
func describe(doc *page.Document, n *html.Node) string {
	if id := doc.Attr(n, "id"); id != "" {
		return n.Data + "#" + id
	}
	if name := doc.Attr(n, "name"); name != "" {
		return fmt.Sprintf("%s[name=%s]", n.Data, name)
	}
	return n.Data
}

func describeAll(doc *page.Document, nodes []*html.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, describe(doc, n))
	}
	return out
}

func printReport(w io.Writer, r ScanReport) {
	fmt.Fprintf(w, "Site:   %s\n", r.Site)
	fmt.Fprintf(w, "Title:  %s\n", r.Title)
	fmt.Fprintf(w, "Fields: %v\n", r.FieldKinds)
	if len(r.Forms) == 0 {
		fmt.Fprintln(w, "No login forms detected.")
		return
	}
	for i, f := range r.Forms {
		kind := "form"
		if f.Formless {
			kind = "formless"
		}
		fmt.Fprintf(w, "[%d] %s (%s)\n", i+1, f.Container, kind)
		fmt.Fprintf(w, "    usernames: %v\n", f.Usernames)
		fmt.Fprintf(w, "    passwords: %v\n", f.Passwords)
	}
}
