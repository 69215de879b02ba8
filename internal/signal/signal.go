// Package signal decodes raw CAN frames into named physical-unit
// values using a fixed table of bit-level signal definitions.
package signal

import (
	"ecusafe/internal/frame"
)

// Endianness selects the bit-extraction order for a signal. All
// definitions in Definitions use Big (MSB-first), matching the ECUs
// this decoder targets.
type Endianness int

const (
	Little Endianness = iota
	Big
)

// Definition locates one named signal within frames of a given CAN id.
type Definition struct {
	Name     string
	CANID    uint32
	StartBit int
	Length   int
	Factor   float64
	Offset   float64
	Unit     string
	Endian   Endianness
}

// Definitions is the fixed signal table. fuel_pressure is included here
// even though the reference decoder this was modeled on omits it; it is
// a required safety-monitored parameter (see internal/safety) and needs
// a concrete bit location to be decodable at all.
var Definitions = []Definition{
	{Name: "engine_rpm", CANID: 0x7E8, StartBit: 24, Length: 16, Factor: 0.25, Offset: 0, Unit: "RPM", Endian: Big},
	{Name: "vehicle_speed", CANID: 0x7E8, StartBit: 40, Length: 16, Factor: 0.01, Offset: 0, Unit: "km/h", Endian: Big},
	{Name: "boost_pressure", CANID: 0x7E9, StartBit: 16, Length: 16, Factor: 0.01, Offset: 101.3, Unit: "kPa", Endian: Big},
	{Name: "maf_airflow", CANID: 0x7E9, StartBit: 32, Length: 16, Factor: 0.01, Offset: 0, Unit: "g/s", Endian: Big},
	{Name: "throttle_position", CANID: 0x7EA, StartBit: 0, Length: 8, Factor: 0.392, Offset: 0, Unit: "%", Endian: Big},
	{Name: "lambda", CANID: 0x7EA, StartBit: 8, Length: 8, Factor: 0.0078, Offset: 0, Unit: "lambda", Endian: Big},
	{Name: "ignition_timing", CANID: 0x7EA, StartBit: 16, Length: 8, Factor: 1.0, Offset: -40.0, Unit: "deg", Endian: Big},
	{Name: "iat", CANID: 0x7EA, StartBit: 24, Length: 8, Factor: 1.0, Offset: -40.0, Unit: "C", Endian: Big},
	{Name: "ect", CANID: 0x7EA, StartBit: 32, Length: 8, Factor: 1.0, Offset: -40.0, Unit: "C", Endian: Big},
	{Name: "fuel_pressure", CANID: 0x7E9, StartBit: 48, Length: 16, Factor: 0.1, Offset: 0, Unit: "PSI", Endian: Big},
}

// Decoder extracts every known signal present in a given frame.
type Decoder struct {
	definitions []Definition
}

// NewDecoder builds a Decoder over Definitions.
func NewDecoder() *Decoder {
	return &Decoder{definitions: Definitions}
}

// DecodeFrame returns every signal whose CANID matches f.ID.
func (d *Decoder) DecodeFrame(f frame.Frame) map[string]float64 {
	out := make(map[string]float64)
	for _, def := range d.definitions {
		if def.CANID != f.ID {
			continue
		}
		if value, ok := extractSignal(f.Data, def); ok {
			out[def.Name] = value
		}
	}
	return out
}

// extractSignal performs MSB-first bit extraction: bits are read from
// absolute position def.StartBit onward using the reference decoder's
// `bit_in_byte = 7 - (bit_pos % 8)` convention, and each bit read is
// shifted in as the new least significant bit, so the bit at
// def.StartBit ends up as the most significant bit of the raw value.
func extractSignal(data []byte, def Definition) (float64, bool) {
	byteOffset := def.StartBit / 8
	bitOffset := def.StartBit % 8
	neededBytes := (def.Length + bitOffset + 7) / 8
	if byteOffset+neededBytes > len(data) {
		return 0, false
	}

	var raw uint64
	for i := 0; i < def.Length; i++ {
		bitPos := def.StartBit + i
		bytePos := bitPos / 8
		bitInByte := 7 - (bitPos % 8)
		raw <<= 1
		if data[bytePos]&(1<<uint(bitInByte)) != 0 {
			raw |= 1
		}
	}

	return float64(raw)*def.Factor + def.Offset, true
}
