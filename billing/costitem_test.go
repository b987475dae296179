package billing_test

import (
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

func TestFromExpense_CategoryTable(t *testing.T) {
	cases := map[billing.ExpenseType]billing.Category{
		billing.ExpenseFuel:    billing.CategoryFuel,
		billing.ExpenseToll:    billing.CategoryTolls,
		billing.ExpenseCarWash: billing.CategoryMaintenance,
		billing.ExpenseVacuum:  billing.CategoryMaintenance,
		billing.ExpenseParking: billing.CategoryOther,
		billing.ExpenseTrain:   billing.CategoryOther,
		"hovercraft":           billing.CategoryOther,
	}
	for typ, want := range cases {
		t.Run(string(typ), func(t *testing.T) {
			item := billing.FromExpense(billing.Expense{ID: "e1", Type: typ, Amount: money("10")})
			assert.Equal(t, want, item.Category)
		})
	}
}

func TestFromExpense_CopiesAmountAndSource(t *testing.T) {
	// GIVEN: a fuel expense with notes
	exp := billing.Expense{ID: "e1", JobID: "j1", Type: billing.ExpenseFuel, Amount: money("45.00"), Notes: "Shell M1"}

	// WHEN: converted to a line item
	item := billing.FromExpense(exp)

	// THEN: single quantity, amount equals the expense, source kept
	assert.Equal(t, 1, item.Quantity)
	assert.True(t, item.UnitPrice.Equal(money("45")))
	assert.True(t, item.Amount.Equal(money("45")))
	assert.Equal(t, "Shell M1", item.Description)
	require.NotNil(t, item.SourceExpenseID)
	assert.Equal(t, billing.ExpenseID("e1"), *item.SourceExpenseID)
	assert.NotEmpty(t, item.ID)
}

func TestFromExpense_DescriptionFallsBackToType(t *testing.T) {
	item := billing.FromExpense(billing.Expense{ID: "e1", Type: billing.ExpenseCarWash, Amount: money("8")})
	assert.Equal(t, "Car wash expense", item.Description)
}

func TestFromExpense_DescriptionKeepsMultibyteType(t *testing.T) {
	// GIVEN: a free-form expense type starting with a multibyte letter
	exp := billing.Expense{ID: "e1", Type: "été_parking", Amount: money("3.00")}

	// WHEN: converted without notes
	item := billing.FromExpense(exp)

	// THEN: the first letter is capitalised and the text stays valid UTF-8
	assert.Equal(t, "Été parking expense", item.Description)
	assert.True(t, utf8.ValidString(item.Description))
}

func TestFromManualEntry_Defaults(t *testing.T) {
	// GIVEN: a manual entry with only description and price
	price := money("12.50")

	// WHEN: normalised
	item, err := billing.FromManualEntry(billing.ManualItem{Description: " Storage ", UnitPrice: &price})

	// THEN: quantity 1, category other, amount = price
	require.NoError(t, err)
	assert.Equal(t, 1, item.Quantity)
	assert.Equal(t, billing.CategoryOther, item.Category)
	assert.True(t, item.Amount.Equal(price))
	assert.Equal(t, "Storage", item.Description)
	assert.Nil(t, item.SourceExpenseID)
}

func TestFromManualEntry_AmountIsQuantityTimesPrice(t *testing.T) {
	qty := 3
	price := money("0.1")
	cat := billing.CategoryStorage

	item, err := billing.FromManualEntry(billing.ManualItem{Quantity: &qty, UnitPrice: &price, Category: &cat})

	require.NoError(t, err)
	assert.Equal(t, "0.3", item.Amount.String())
	assert.Equal(t, billing.CategoryStorage, item.Category)
}

func TestFromManualEntry_Rejects(t *testing.T) {
	zero := 0
	negative := money("-1")
	bogus := billing.Category("gold_plating")

	tests := []struct {
		name  string
		entry billing.ManualItem
		field string
	}{
		{"zero quantity", billing.ManualItem{Quantity: &zero}, "quantity"},
		{"negative price", billing.ManualItem{UnitPrice: &negative}, "unit_price"},
		{"unknown category", billing.ManualItem{Category: &bogus}, "category"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := billing.FromManualEntry(tt.entry)

			require.Error(t, err)
			assert.True(t, errors.Is(err, billing.ErrValidation))
			var ve *billing.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestFromJobPrice(t *testing.T) {
	job := billing.Job{ID: "j1", Reference: "MV-001", VehicleRegistration: "AB12 CDE", PickupAddress: "Leeds", DeliveryAddress: "York", Price: money("150")}

	item := billing.FromJobPrice(job)

	assert.Equal(t, billing.CategoryTransport, item.Category)
	assert.True(t, item.Amount.Equal(money("150")))
	assert.Equal(t, "Vehicle movement: MV-001, AB12 CDE, Leeds to York", item.Description)
}
