package state

import "testing"

func sampleState() *GameState {
	st := NewGameState()
	st.Version = 7
	st.Tick = 3
	st.Players["p-1"] = &Player{
		ID:       "p-1",
		Name:     "Drifter",
		Currency: 1000,
		ShipIDs:  []string{"ship-1"},
		Holdings: map[string]int{"grain": 5},
	}
	st.Ships["ship-1"] = &Ship{
		ID:       "ship-1",
		OwnerID:  "p-1",
		Position: Vec2{X: 10, Y: 20},
		Capacity: 200,
		Cargo:    map[string]int{"silk": 2},
	}
	st.Ports["port-1"] = &Port{
		ID:     "port-1",
		Name:   "Port Royal",
		Prices: map[string]int64{"grain": 50},
		Stock:  map[string]int{"grain": 500},
	}
	return st
}

func TestCloneDoesNotAliasLiveState(t *testing.T) {
	st := sampleState()
	cp := st.Clone()

	cp.Players["p-1"].Currency = 0
	cp.Players["p-1"].Holdings["grain"] = 99
	cp.Ships["ship-1"].Cargo["silk"] = 99
	cp.Ports["port-1"].Stock["grain"] = 0
	cp.Players["p-1"].ShipIDs[0] = "other"

	if st.Players["p-1"].Currency != 1000 {
		t.Fatalf("clone aliased player currency")
	}
	if st.Players["p-1"].Holdings["grain"] != 5 {
		t.Fatalf("clone aliased player holdings")
	}
	if st.Ships["ship-1"].Cargo["silk"] != 2 {
		t.Fatalf("clone aliased ship cargo")
	}
	if st.Ports["port-1"].Stock["grain"] != 500 {
		t.Fatalf("clone aliased port stock")
	}
	if st.Players["p-1"].ShipIDs[0] != "ship-1" {
		t.Fatalf("clone aliased ship id slice")
	}
}

func TestChecksumTracksStateChanges(t *testing.T) {
	st := sampleState()
	same := sampleState()
	if st.Checksum() != same.Checksum() {
		t.Fatalf("equal states produced different checksums")
	}

	before := st.Checksum()
	st.Players["p-1"].Currency -= 1
	if st.Checksum() == before {
		t.Fatalf("checksum unchanged after mutation")
	}
}

func TestEncodeDecodePreservesState(t *testing.T) {
	st := sampleState()
	data, err := st.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Checksum() != st.Checksum() {
		t.Fatalf("decoded state diverges from source")
	}
	if got.Version != 7 || got.Tick != 3 {
		t.Fatalf("version/tick lost: %+v", got)
	}
}

func TestDecodeEmptyBlobYieldsUsableMaps(t *testing.T) {
	got, err := Decode([]byte(`{"version":1}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Callers index these maps directly; nil maps would panic on write.
	got.Players["p-1"] = &Player{ID: "p-1"}
	got.Ships["s-1"] = &Ship{ID: "s-1"}
	got.Ports["port-1"] = &Port{ID: "port-1"}
}
