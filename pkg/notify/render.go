package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"cube/pkg/domain"
	"cube/pkg/queue"
)

// Item is one listing line in a notification email.
type Item struct {
	ListingID  int64
	Title      string
	Author     string
	Edition    int
	PriceCents int64
}

// Price formats the item price as dollars.
func (i Item) Price() string {
	return FormatCents(i.PriceCents)
}

// Email is a rendered message ready for the mailer.
type Email struct {
	To      string
	Subject string
	Body    string
}

type emailData struct {
	Seller domain.User
	Items  []Item
	Total  string
	Shop   string
}

var subjects = map[queue.Kind]string{
	queue.KindMissing:     "Your book has gone missing",
	queue.KindSold:        "Your book has been sold",
	queue.KindToBeDeleted: "Your book is scheduled for removal",
}

var bodies = template.Must(template.New("notify").Parse(`
{{define "header"}}Hello {{.Seller.FirstName}},
{{end}}
{{define "items"}}{{range .Items}}  - #{{.ListingID}} {{.Title}}{{if .Author}} by {{.Author}}{{end}}{{if .Edition}} ({{.Edition}} ed.){{end}}, listed at {{.Price}}
{{end}}{{end}}
{{define "footer"}}
{{.Shop}}
{{end}}
{{define "missing"}}{{template "header" .}}
We could not find the following book(s) you left with us:
{{template "items" .}}
Please drop by the shop so we can sort this out with you.
{{template "footer" .}}{{end}}
{{define "sold"}}{{template "header" .}}
Good news! The following book(s) have been sold:
{{template "items" .}}
Total: {{.Total}}. Come by the shop to collect your payment.
{{template "footer" .}}{{end}}
{{define "to_be_deleted"}}{{template "header" .}}
The following book(s) are scheduled to be removed from the shelves:
{{template "items" .}}
Please pick them up soon, otherwise they will be deleted from our listings.
{{template "footer" .}}{{end}}
`))

// Renderer turns a notification job into an email.
type Renderer struct {
	shop string
}

// NewRenderer returns a renderer that signs emails with shop.
func NewRenderer(shop string) *Renderer {
	shop = strings.TrimSpace(shop)
	if shop == "" {
		shop = "The Campus Book Exchange"
	}
	return &Renderer{shop: shop}
}

// Render builds the email for kind addressed to seller.
func (r *Renderer) Render(kind queue.Kind, seller domain.User, items []Item) (Email, error) {
	subject, ok := subjects[kind]
	if !ok {
		return Email{}, fmt.Errorf("no template for notification kind %q", kind)
	}
	if strings.TrimSpace(seller.Email) == "" {
		return Email{}, fmt.Errorf("seller %s has no email address", seller.ID)
	}
	var total int64
	for _, it := range items {
		total += it.PriceCents
	}
	var buf bytes.Buffer
	err := bodies.ExecuteTemplate(&buf, string(kind), emailData{
		Seller: seller,
		Items:  items,
		Total:  FormatCents(total),
		Shop:   r.shop,
	})
	if err != nil {
		return Email{}, fmt.Errorf("render %s: %w", kind, err)
	}
	return Email{
		To:      seller.Email,
		Subject: subject,
		Body:    strings.TrimLeft(buf.String(), "\n"),
	}, nil
}

// FormatCents renders an amount of cents as $D.CC.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}
