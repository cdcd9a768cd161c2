package knowledge

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
)

// SupportedExtension reports whether the file extension can be extracted.
func SupportedExtension(ext string) bool {
	switch strings.ToLower(ext) {
	case ".txt", ".md", ".markdown", ".pdf", ".docx", ".xlsx":
		return true
	}
	return false
}

// ExtractText returns the plain text of a document, dispatching on file
// extension.
func ExtractText(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case ".pdf":
		return extractPDF(path)
	case ".docx":
		return extractDocx(path)
	case ".xlsx":
		return extractXlsx(path)
	default:
		return "", fmt.Errorf("unsupported file type: %s", filepath.Ext(path))
	}
}

func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return buf.String(), nil
}

// extractDocx pulls text from word/document.xml inside the docx archive.
// Paragraph ends become newlines.
func extractDocx(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer zr.Close()

	var docXML io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docXML, err = f.Open()
			if err != nil {
				return "", fmt.Errorf("open document.xml: %w", err)
			}
			break
		}
	}
	if docXML == nil {
		return "", fmt.Errorf("docx missing word/document.xml")
	}
	defer docXML.Close()

	var sb strings.Builder
	dec := xml.NewDecoder(docXML)
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}

// extractXlsx renders each worksheet as tab-separated rows, resolving
// shared strings.
func extractXlsx(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open xlsx: %w", err)
	}
	defer zr.Close()

	shared, err := xlsxSharedStrings(&zr.Reader)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, "xl/worksheets/sheet") || !strings.HasSuffix(f.Name, ".xml") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open %s: %w", f.Name, err)
		}
		text, err := xlsxSheetText(rc, shared)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("parse %s: %w", f.Name, err)
		}
		sb.WriteString(text)
	}
	return sb.String(), nil
}

func xlsxSharedStrings(zr *zip.Reader) ([]string, error) {
	var rc io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "xl/sharedStrings.xml" {
			var err error
			rc, err = f.Open()
			if err != nil {
				return nil, fmt.Errorf("open sharedStrings.xml: %w", err)
			}
			break
		}
	}
	if rc == nil {
		return nil, nil
	}
	defer rc.Close()

	var shared []string
	var current strings.Builder
	dec := xml.NewDecoder(rc)
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse sharedStrings.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "si":
				current.Reset()
			case "t":
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "si":
				shared = append(shared, current.String())
			case "t":
				inText = false
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	return shared, nil
}

func xlsxSheetText(r io.Reader, shared []string) (string, error) {
	var sb strings.Builder
	dec := xml.NewDecoder(r)

	var row []string
	cellType := ""
	inValue := false
	var value strings.Builder

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "row":
				row = row[:0]
			case "c":
				cellType = ""
				for _, a := range t.Attr {
					if a.Name.Local == "t" {
						cellType = a.Value
					}
				}
			case "v", "t":
				inValue = true
				value.Reset()
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "v", "t":
				inValue = false
				cell := value.String()
				if cellType == "s" {
					if idx, err := strconv.Atoi(cell); err == nil && idx >= 0 && idx < len(shared) {
						cell = shared[idx]
					}
				}
				row = append(row, cell)
			case "row":
				if len(row) > 0 {
					sb.WriteString(strings.Join(row, "\t"))
					sb.WriteByte('\n')
				}
			}
		case xml.CharData:
			if inValue {
				value.Write(t)
			}
		}
	}
	return sb.String(), nil
}
