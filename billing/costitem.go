package billing

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CATEGORY - Closed set of invoice line categories
// =============================================================================

type Category string

const (
	CategoryTransport          Category = "transport"
	CategoryFuel               Category = "fuel"
	CategoryTolls              Category = "tolls"
	CategoryMaintenance        Category = "maintenance"
	CategoryParking            Category = "parking"
	CategoryStorage            Category = "storage"
	CategoryAdditionalServices Category = "additional_services"
	CategoryOther              Category = "other"
)

// Categories lists every valid category in display order.
var Categories = []Category{
	CategoryTransport, CategoryFuel, CategoryTolls, CategoryMaintenance,
	CategoryParking, CategoryStorage, CategoryAdditionalServices, CategoryOther,
}

// Valid reports whether c is in the closed enumeration.
func (c Category) Valid() bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

// expenseCategories is the fixed expense-type to category table.
// Anything not listed bills as CategoryOther.
var expenseCategories = map[ExpenseType]Category{
	ExpenseFuel:    CategoryFuel,
	ExpenseToll:    CategoryTolls,
	ExpenseCarWash: CategoryMaintenance,
	ExpenseVacuum:  CategoryMaintenance,
}

// CategoryForExpense maps an expense type to its invoice category.
func CategoryForExpense(t ExpenseType) Category {
	if c, ok := expenseCategories[t]; ok {
		return c
	}
	return CategoryOther
}

// =============================================================================
// COST ITEM - One billable line
// =============================================================================

// CostItem is the normalised shape of a billable line. Amount is always
// Quantity * UnitPrice and is recomputed, never read from input.
type CostItem struct {
	ID              ItemID
	Description     string
	Quantity        int
	UnitPrice       Money
	Amount          Money
	Category        Category
	SourceExpenseID *ExpenseID
}

// ManualItem is a partially specified additional cost. Nil fields take
// defaults: quantity 1, unit price 0, category other.
type ManualItem struct {
	Description string
	Quantity    *int
	UnitPrice   *Money
	Category    *Category
}

// FromExpense converts a driver expense into a single-quantity line.
func FromExpense(e Expense) CostItem {
	source := e.ID
	return CostItem{
		ID:              newItemID(),
		Description:     expenseDescription(e),
		Quantity:        1,
		UnitPrice:       e.Amount,
		Amount:          e.Amount,
		Category:        CategoryForExpense(e.Type),
		SourceExpenseID: &source,
	}
}

// FromManualEntry fills defaults and validates a manual line.
func FromManualEntry(m ManualItem) (CostItem, error) {
	quantity := 1
	if m.Quantity != nil {
		quantity = *m.Quantity
	}
	if quantity <= 0 {
		return CostItem{}, validationf("quantity", "must be positive, got %d", quantity)
	}

	unitPrice := decimal.Zero
	if m.UnitPrice != nil {
		unitPrice = *m.UnitPrice
	}
	if unitPrice.IsNegative() {
		return CostItem{}, validationf("unit_price", "must not be negative, got %s", unitPrice)
	}

	category := CategoryOther
	if m.Category != nil {
		category = *m.Category
	}
	if !category.Valid() {
		return CostItem{}, validationf("category", "unknown category %q", category)
	}

	return CostItem{
		ID:          newItemID(),
		Description: strings.TrimSpace(m.Description),
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		Amount:      unitPrice.Mul(decimal.NewFromInt(int64(quantity))),
		Category:    category,
	}, nil
}

// FromJobPrice produces the transport line for a job's base price.
func FromJobPrice(j Job) CostItem {
	return CostItem{
		ID:          newItemID(),
		Description: jobDescription(j),
		Quantity:    1,
		UnitPrice:   j.Price,
		Amount:      j.Price,
		Category:    CategoryTransport,
	}
}

// Recompute returns the item with Amount derived from Quantity and UnitPrice.
func (c CostItem) Recompute() CostItem {
	c.Amount = c.UnitPrice.Mul(decimal.NewFromInt(int64(c.Quantity)))
	return c
}

func newItemID() ItemID {
	return ItemID(uuid.NewString())
}

func expenseDescription(e Expense) string {
	if notes := strings.TrimSpace(e.Notes); notes != "" {
		return notes
	}
	label := strings.ReplaceAll(string(e.Type), "_", " ")
	if label == "" {
		label = string(ExpenseOther)
	}
	first, size := utf8.DecodeRuneInString(label)
	return string(unicode.ToTitle(first)) + label[size:] + " expense"
}

func jobDescription(j Job) string {
	var parts []string
	if j.Reference != "" {
		parts = append(parts, j.Reference)
	}
	if j.VehicleRegistration != "" {
		parts = append(parts, j.VehicleRegistration)
	}
	if j.PickupAddress != "" && j.DeliveryAddress != "" {
		parts = append(parts, fmt.Sprintf("%s to %s", j.PickupAddress, j.DeliveryAddress))
	}
	if len(parts) == 0 {
		return "Vehicle movement"
	}
	return "Vehicle movement: " + strings.Join(parts, ", ")
}
