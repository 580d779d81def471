package main

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ParseFileNames extracts archive names from the authenticated file board page.
// Every form inside the file table is one row; the name is the value of the element
// two siblings after the form's first input. Rows come back in document order.
func ParseFileNames(page string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse file board: %w", err)
	}

	var names []string
	doc.Find("table form").Each(func(_ int, form *goquery.Selection) {
		if name := fileNameField(form); name != "" {
			names = append(names, name)
		}
	})
	return names, nil
}

func fileNameField(form *goquery.Selection) string {
	field := form.Find("input").First().Next().Next()
	if val, ok := field.Attr("value"); ok && strings.TrimSpace(val) != "" {
		return strings.TrimSpace(val)
	}
	val, _ := form.Find(`input[name="file"]`).First().Attr("value")
	return strings.TrimSpace(val)
}
