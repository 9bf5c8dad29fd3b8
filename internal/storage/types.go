// -------------------------------------------------------------------------------
// Storage Types - Landing Records and Scan Statistics
//
// Author: Alex Freidah
//
// Data structures shared by the store of record, the cache tiers, and the
// delivery orchestrator. LandingRecord is the denormalized public projection of
// a QR code's landing page; it is read-only from the cache's perspective.
// -------------------------------------------------------------------------------

package storage

import "time"

// -------------------------------------------------------------------------
// LANDING RECORDS
// -------------------------------------------------------------------------

// LandingRecord is the public landing payload for one QR code. OwnerActive is
// joined from the owning account and is not part of the public JSON body.
type LandingRecord struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	LogoRef         string   `json:"logo_ref,omitempty"`
	ForegroundColor string   `json:"foreground_color,omitempty"`
	BackgroundColor string   `json:"background_color,omitempty"`
	Links           []Link   `json:"links"`
	Menu            *Menu    `json:"menu,omitempty"`
	Catalog         *Catalog `json:"catalog,omitempty"`
	Vitrine         *Vitrine `json:"vitrine,omitempty"`
	OwnerActive     bool     `json:"-"`
}

// Link is one ordered entry in the landing page link list.
type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
	Icon  string `json:"icon,omitempty"`
}

// Menu is the restaurant menu variant of a landing page.
type Menu struct {
	Categories []MenuCategory `json:"categories"`
}

// MenuCategory groups menu items under a heading.
type MenuCategory struct {
	Name  string     `json:"name"`
	Items []MenuItem `json:"items"`
}

// MenuItem is a single dish or drink.
type MenuItem struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	PriceCents  int64  `json:"price_cents"`
	Currency    string `json:"currency"`
	ImageRef    string `json:"image_ref,omitempty"`
}

// Catalog is the e-commerce variant of a landing page.
type Catalog struct {
	Products []Product `json:"products"`
}

// Product is one catalog entry.
type Product struct {
	SKU         string   `json:"sku"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	PriceCents  int64    `json:"price_cents"`
	Currency    string   `json:"currency"`
	ImageRefs   []string `json:"image_refs,omitempty"`
}

// Vitrine is the business card variant of a landing page.
type Vitrine struct {
	Headline string   `json:"headline,omitempty"`
	About    string   `json:"about,omitempty"`
	Address  string   `json:"address,omitempty"`
	Phone    string   `json:"phone,omitempty"`
	Email    string   `json:"email,omitempty"`
	Website  string   `json:"website,omitempty"`
	Hours    []string `json:"hours,omitempty"`
	Gallery  []string `json:"gallery,omitempty"`
}

// -------------------------------------------------------------------------
// SCAN STATISTICS
// -------------------------------------------------------------------------

// ScanEvent is one entry of a QR code's scan history.
type ScanEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	UserAgent     string    `json:"user_agent"`
	SourceAddress string    `json:"source_address"`
}

// ScanStatsUpdate is the accumulated scan activity for one id, applied to the
// store as an increment plus appended history.
type ScanStatsUpdate struct {
	ID         string
	CountDelta int64
	History    []ScanEvent
}
