package state

// Trade goods recognized by ports. Trades referencing anything else are
// rejected before they reach a room.
var goods = map[string]struct{}{
	"grain":  {},
	"ore":    {},
	"silk":   {},
	"rum":    {},
	"timber": {},
	"spice":  {},
}

// KnownGood reports whether the good exists in the trade catalog.
func KnownGood(name string) bool {
	_, ok := goods[name]
	return ok
}

// UpgradeSpec prices a ship upgrade.
type UpgradeSpec struct {
	Cost          int64
	CapacityBonus int
}

// Upgrades is the closed catalog of buildable ship upgrades.
var Upgrades = map[string]UpgradeSpec{
	"cargo_hold":      {Cost: 500, CapacityBonus: 50},
	"reinforced_hull": {Cost: 1200, CapacityBonus: 100},
	"trade_permit":    {Cost: 300},
}

// MaxShipCapacity is the hard cap no upgrade chain may exceed.
const MaxShipCapacity = 1000

// MaxTradeQuantity bounds a single trade.
const MaxTradeQuantity = 1000
