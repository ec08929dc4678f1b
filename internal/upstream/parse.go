package upstream

import (
	"bytes"
	"errors"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"

	"github.com/vmunix/upflix/internal/media"
)

// Availability labels on the sources list.
const (
	labelSubscription = "ABONAMENT"
	labelRent         = "WYPOŻYCZENIE"
)

var vodPattern = regexp.MustCompile(`#vod-(\w+)`)

// Page is the structural content of one catalogue page.
// FilmwebLink and IMDBLink are intermediary URLs that redirect to the canonical ones.
type Page struct {
	PolishTitle   *string
	EnglishTitle  *string
	Year          *string
	Genres        []string
	FilmwebLink   string
	IMDBLink      string
	Subscriptions []string
	Rents         []string
}

// Parse extracts a Page from a catalogue document. Missing elements leave
// the corresponding fields absent; only an empty or unreadable document fails.
func Parse(html []byte) (*Page, error) {
	if len(bytes.TrimSpace(html)) == 0 {
		return nil, errors.New("empty document")
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, err
	}

	p := &Page{
		PolishTitle:  firstText(doc, "h1"),
		EnglishTitle: firstText(doc, "h2"),
		Year:         firstText(doc, ".yr"),
		Genres:       []string{},
		FilmwebLink:  firstHref(doc, "a.fw"),
		IMDBLink:     firstHref(doc, "a.im"),
	}

	doc.Find(".ge a").Each(func(_ int, s *goquery.Selection) {
		if g := cleanText(s.Text()); g != "" {
			p.Genres = append(p.Genres, g)
		}
	})

	var subs, rents []string
	doc.Find("#sc a").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		m := vodPattern.FindStringSubmatch(href)
		if m == nil {
			return
		}
		switch cleanText(s.Text()) {
		case labelSubscription:
			subs = append(subs, m[1])
		case labelRent:
			rents = append(rents, m[1])
		}
	})
	p.Subscriptions = media.Unique(subs)
	p.Rents = media.Unique(rents)

	return p, nil
}

func firstText(doc *goquery.Document, selector string) *string {
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil
	}
	text := cleanText(sel.Text())
	if text == "" {
		return nil
	}
	return &text
}

func firstHref(doc *goquery.Document, selector string) string {
	href, _ := doc.Find(selector).First().Attr("href")
	return strings.TrimSpace(href)
}

// cleanText composes the text to NFC so labels with Polish diacritics match
// regardless of how the page encodes them.
func cleanText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
