package domain

// serviceFeeBasisPoints is the marketplace commission charged on the item
// subtotal: 10%, rounded half up in minor currency units.
const serviceFeeBasisPoints = 1000

// ServiceFee computes the marketplace fee for a subtotal in minor units.
func ServiceFee(subtotal int64) int64 {
	if subtotal <= 0 {
		return 0
	}
	return (subtotal*serviceFeeBasisPoints + 5000) / 10000
}

// ComputeTotals derives the full price breakdown from line-item snapshots.
// Totals are always recomputed server-side, never trusted from client input.
// Tax is explicitly zero until tax calculation is introduced.
func ComputeTotals(lines []OrderLineItem) OrderTotals {
	var subtotal, shipping int64
	for _, line := range lines {
		subtotal += line.Price
		shipping += line.Shipping
	}
	fee := ServiceFee(subtotal)
	return OrderTotals{
		Subtotal:   subtotal,
		Shipping:   shipping,
		Tax:        0,
		ServiceFee: fee,
		Total:      subtotal + shipping + 0 + fee,
	}
}

// Consistent reports whether the total equals the sum of its components.
func (t OrderTotals) Consistent() bool {
	return t.Total == t.Subtotal+t.Shipping+t.Tax+t.ServiceFee
}
