// Package extract turns raw affiliate panel responses into typed fields.
// The panel markup is the only place its selectors are documented; every
// collaborator that needs a value from a page goes through this package.
package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// AccountIdentity is the identity block shown on the dashboard.
type AccountIdentity struct {
	Status string
	Email  string
	ID     string
}

// Empty reports whether no identity could be parsed.
func (a AccountIdentity) Empty() bool {
	return a.Status == "" && a.Email == "" && a.ID == ""
}

// PaymentRow is one row of the payment history table.
type PaymentRow struct {
	ID     string
	Amount string
	Method string
}

// RankInfo is the highlighted row of the top-affiliates ranking table.
type RankInfo struct {
	Position    string
	DepositsSum string
}

func parse(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

// Identity pulls account status, email, and id from a dashboard page.
func Identity(html string) (AccountIdentity, error) {
	doc, err := parse(html)
	if err != nil {
		return AccountIdentity{}, err
	}

	ident := AccountIdentity{
		Status: strings.TrimSpace(doc.Find("span.status-block-color").First().Text()),
	}

	// The dashboard renders two or three truncated spans depending on the
	// account tier; email and id are the last two either way.
	spans := doc.Find("span.text-truncate-md")
	texts := make([]string, 0, spans.Length())
	spans.Each(func(_ int, s *goquery.Selection) {
		texts = append(texts, strings.TrimSpace(s.Text()))
	})
	if len(texts) >= 3 {
		ident.Email = texts[1]
		ident.ID = texts[2]
	} else if len(texts) == 2 {
		ident.Email = texts[0]
		ident.ID = texts[1]
	}

	if _, raw, found := strings.Cut(ident.ID, "ID: "); found {
		ident.ID = strings.TrimSpace(raw)
	}

	return ident, nil
}

// FormToken extracts the CSRF token from a page containing a form.
func FormToken(html string) (string, error) {
	doc, err := parse(html)
	if err != nil {
		return "", err
	}
	token, ok := doc.Find(`[name="_token"]`).First().Attr("value")
	if !ok || token == "" {
		return "", fmt.Errorf("form token not found")
	}
	return token, nil
}

// NeedsOTP reports whether the form demands a one-time password.
func NeedsOTP(html string) bool {
	doc, err := parse(html)
	if err != nil {
		return false
	}
	return doc.Find(`input[name="one_time_password"]`).Length() > 0
}

// ErrorBanners collects the alert-danger blocks of a rejected submission.
func ErrorBanners(html string) []string {
	doc, err := parse(html)
	if err != nil {
		return nil
	}

	var banners []string
	doc.Find("div.alert-danger").Each(func(_ int, div *goquery.Selection) {
		title := strings.TrimSpace(div.Find("strong").First().Text())
		detail := strings.TrimSpace(div.Find("ul li").First().Text())
		if title == "" && detail == "" {
			return
		}
		banners = append(banners, fmt.Sprintf("%s: %s", title, detail))
	})
	return banners
}

// PaymentRows lists the payment history table, newest first.
func PaymentRows(html string) ([]PaymentRow, error) {
	doc, err := parse(html)
	if err != nil {
		return nil, err
	}

	var rows []PaymentRow
	doc.Find("#panel-1 tr").Each(func(_ int, tr *goquery.Selection) {
		if tr.Find("td").Length() == 0 {
			return
		}
		id := strings.TrimSpace(tr.Find(`td[data-label="ID"]`).First().Text())
		if id == "" {
			return
		}
		rows = append(rows, PaymentRow{
			ID:     id,
			Amount: CleanAmount(tr.Find(`td[data-label="Amount, $"]`).First().Text()),
			Method: strings.TrimSpace(tr.Find(`td[data-label="Payment method"]`).First().Text()),
		})
	})
	return rows, nil
}

// CleanAmount strips currency decoration from a table amount cell.
func CleanAmount(raw string) string {
	cleaned := strings.NewReplacer("$", "", "'", "", ",", "").Replace(raw)
	return strings.TrimSpace(cleaned)
}

// TopAffiliateRank finds the account's highlighted row in the ranking table.
func TopAffiliateRank(html string) (RankInfo, bool) {
	doc, err := parse(html)
	if err != nil {
		return RankInfo{}, false
	}

	row := doc.Find("table tr.bg-info-50").First()
	if row.Length() == 0 {
		return RankInfo{}, false
	}
	return RankInfo{
		Position:    strings.TrimSpace(row.Find(`td[data-label="#"]`).First().Text()),
		DepositsSum: strings.TrimSpace(row.Find(`td[data-label="Sum of deposits"]`).First().Text()),
	}, true
}
