package receipt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/phpdave11/gofpdf"
)

type Addon struct {
	Name     string
	Quantity int32
	Subtotal float64
}

type Item struct {
	Name     string
	Quantity int32
	Subtotal float64
	Notes    string
	Addons   []Addon
}

// SplitLine is one participant's share on a group order receipt.
type SplitLine struct {
	Name           string
	Subtotal       float64
	TaxShare       float64
	ServiceShare   float64
	PackagingShare float64
	Total          float64
}

type Order struct {
	MerchantName  string
	Currency      string
	OrderNumber   string
	OrderType     string
	TableNumber   string
	PlacedAt      time.Time
	PaidAt        time.Time
	Items         []Item
	Subtotal      float64
	TaxAmount     float64
	ServiceCharge float64
	PackagingFee  float64
	Total         float64
	PaymentMethod string
	CashierName   string
	SplitBill     []SplitLine
}

// Writer renders paid orders as PDF receipts into a local directory, one file
// per order number.
type Writer struct {
	dir string
}

func NewWriter(dir string) (*Writer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("receipt dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Writer{dir: dir}, nil
}

var filenameRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func sanitizeFilename(value string) string {
	clean := filenameRe.ReplaceAllString(value, "_")
	return strings.Trim(clean, "_")
}

func (w *Writer) Write(order Order) (string, error) {
	name := sanitizeFilename(order.OrderNumber)
	if name == "" {
		name = "receipt"
	}
	path := filepath.Join(w.dir, name+".pdf")

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(12, 12, 12)
	pdf.AddPage()
	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(0, 8, order.MerchantName, "", 1, "C", false, 0, "")

	pdf.Ln(2)
	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(0, 6, fmt.Sprintf("Order %s", order.OrderNumber), "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	pdf.CellFormat(0, 5, order.OrderType, "", 1, "C", false, 0, "")
	if order.TableNumber != "" {
		pdf.CellFormat(0, 5, fmt.Sprintf("Table %s", order.TableNumber), "", 1, "C", false, 0, "")
	}
	if !order.PlacedAt.IsZero() {
		pdf.CellFormat(0, 5, fmt.Sprintf("Placed: %s", order.PlacedAt.Format("2006-01-02 15:04")), "", 1, "C", false, 0, "")
	}
	if !order.PaidAt.IsZero() {
		pdf.CellFormat(0, 5, fmt.Sprintf("Paid: %s", order.PaidAt.Format("2006-01-02 15:04")), "", 1, "C", false, 0, "")
	}

	pdf.Ln(3)
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(0, 6, "Items", "B", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	for _, item := range order.Items {
		pdf.CellFormat(0, 5, fmt.Sprintf("%dx %s", item.Quantity, item.Name), "", 1, "L", false, 0, "")
		pdf.CellFormat(0, 5, fmt.Sprintf("Subtotal: %s", w.money(order.Currency, item.Subtotal)), "", 1, "L", false, 0, "")
		if item.Notes != "" {
			pdf.MultiCell(0, 4, fmt.Sprintf("Notes: %s", item.Notes), "", "L", false)
		}
		for _, addon := range item.Addons {
			pdf.CellFormat(0, 4, fmt.Sprintf("  %dx %s (%s)", addon.Quantity, addon.Name, w.money(order.Currency, addon.Subtotal)), "", 1, "L", false, 0, "")
		}
		pdf.Ln(1)
	}

	pdf.Ln(2)
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(0, 6, "Totals", "B", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	pdf.CellFormat(0, 5, fmt.Sprintf("Subtotal: %s", w.money(order.Currency, order.Subtotal)), "", 1, "L", false, 0, "")
	if order.TaxAmount > 0 {
		pdf.CellFormat(0, 5, fmt.Sprintf("Tax: %s", w.money(order.Currency, order.TaxAmount)), "", 1, "L", false, 0, "")
	}
	if order.ServiceCharge > 0 {
		pdf.CellFormat(0, 5, fmt.Sprintf("Service: %s", w.money(order.Currency, order.ServiceCharge)), "", 1, "L", false, 0, "")
	}
	if order.PackagingFee > 0 {
		pdf.CellFormat(0, 5, fmt.Sprintf("Packaging: %s", w.money(order.Currency, order.PackagingFee)), "", 1, "L", false, 0, "")
	}
	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(0, 6, fmt.Sprintf("Total: %s", w.money(order.Currency, order.Total)), "", 1, "L", false, 0, "")

	if len(order.SplitBill) > 0 {
		pdf.Ln(2)
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(0, 6, "Split Bill", "B", 1, "L", false, 0, "")
		pdf.SetFont("Arial", "", 9)
		for _, line := range order.SplitBill {
			pdf.CellFormat(0, 5, line.Name, "", 1, "L", false, 0, "")
			pdf.CellFormat(0, 4, fmt.Sprintf("  Subtotal: %s", w.money(order.Currency, line.Subtotal)), "", 1, "L", false, 0, "")
			shares := line.TaxShare + line.ServiceShare + line.PackagingShare
			if shares > 0 {
				pdf.CellFormat(0, 4, fmt.Sprintf("  Charges: %s", w.money(order.Currency, shares)), "", 1, "L", false, 0, "")
			}
			pdf.CellFormat(0, 4, fmt.Sprintf("  Total: %s", w.money(order.Currency, line.Total)), "", 1, "L", false, 0, "")
		}
	}

	pdf.Ln(2)
	pdf.SetFont("Arial", "", 9)
	if order.PaymentMethod != "" {
		pdf.CellFormat(0, 5, fmt.Sprintf("Payment: %s", order.PaymentMethod), "", 1, "L", false, 0, "")
	}
	if order.CashierName != "" {
		pdf.CellFormat(0, 5, fmt.Sprintf("Cashier: %s", order.CashierName), "", 1, "L", false, 0, "")
	}

	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if err := pdf.Output(out); err != nil {
		return "", err
	}
	return path, nil
}

func (w *Writer) money(currency string, value float64) string {
	if currency == "" {
		return fmt.Sprintf("%.2f", value)
	}
	return fmt.Sprintf("%s %.2f", currency, value)
}
