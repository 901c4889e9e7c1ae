package protocol

// FieldType identifies the logical meaning of a template field. Values match
// the wire-level "custom field type" byte used when a device negotiates a
// payload template.
type FieldType byte

// Field type catalog. Values and array-ness follow the DMTP field catalog.
const (
	FieldStatusCode  FieldType = 0x01
	FieldTimestamp   FieldType = 0x02
	FieldIndex       FieldType = 0x03
	FieldSequence    FieldType = 0x04
	FieldGPSPoint    FieldType = 0x06
	FieldGPSAge      FieldType = 0x07
	FieldSpeed       FieldType = 0x08
	FieldHeading     FieldType = 0x09
	FieldAltitude    FieldType = 0x0A
	FieldDistance    FieldType = 0x0B
	FieldGeofenceID  FieldType = 0x0E
	FieldTopSpeed    FieldType = 0x0F
	FieldString      FieldType = 0x11
	FieldBinary      FieldType = 0x1A
	FieldInputID     FieldType = 0x21
	FieldInputState  FieldType = 0x22
	FieldOutputID    FieldType = 0x23
	FieldOutputState FieldType = 0x24
	FieldElapsedTime FieldType = 0x27
	FieldCounter     FieldType = 0x28
	FieldSensor32Low FieldType = 0x31
	FieldSensor32Hi  FieldType = 0x32
	FieldSensor32Avg FieldType = 0x33
	FieldTempLow     FieldType = 0x3A
	FieldTempHigh    FieldType = 0x3B
	FieldTempAvg     FieldType = 0x3C
	FieldDGPSUpdate  FieldType = 0x41
	FieldGPSHorzAcc  FieldType = 0x42
	FieldGPSVertAcc  FieldType = 0x43
	FieldGPSSatCount FieldType = 0x44
	FieldGPSMagVar   FieldType = 0x45
	FieldGPSQuality  FieldType = 0x46
	FieldGPSType     FieldType = 0x47
	FieldGPSGeoid    FieldType = 0x48
	FieldGPSPDOP     FieldType = 0x49
	FieldGPSHDOP     FieldType = 0x4A
	FieldGPSVDOP     FieldType = 0x4B
)

// primitiveKind is the decode dispatch class for a FieldType: every field
// type maps to exactly one of these (§4.C "primitive classification").
type primitiveKind int

const (
	kindLong primitiveKind = iota
	kindGPS
	kindString
	kindBinary
)

// fieldName is the canonical event-record key for each field type.
var fieldName = map[FieldType]string{
	FieldStatusCode:  "statusCode",
	FieldTimestamp:   "timestamp",
	FieldIndex:       "index",
	FieldSequence:    "sequence",
	FieldGPSPoint:    "gpsPoint",
	FieldGPSAge:      "gpsAge",
	FieldSpeed:       "speed",
	FieldHeading:     "heading",
	FieldAltitude:    "altitude",
	FieldDistance:    "distance",
	FieldGeofenceID:  "geofenceID",
	FieldTopSpeed:    "topSpeed",
	FieldString:      "string",
	FieldBinary:      "binary",
	FieldInputID:     "inputID",
	FieldInputState:  "inputState",
	FieldOutputID:    "outputID",
	FieldOutputState: "outputState",
	FieldElapsedTime: "elapsedTime",
	FieldCounter:     "counter",
	FieldSensor32Low: "sens32Low",
	FieldSensor32Hi:  "sens32Hi",
	FieldSensor32Avg: "sens32AV",
	FieldTempLow:     "tempLow",
	FieldTempHigh:    "tempHigh",
	FieldTempAvg:     "tempAvg",
	FieldDGPSUpdate:  "dgpsUpdate",
	FieldGPSHorzAcc:  "gpsHorzAcc",
	FieldGPSVertAcc:  "gpsVertAcc",
	FieldGPSSatCount: "gpsSatellites",
	FieldGPSMagVar:   "gpsMagVariation",
	FieldGPSQuality:  "gpsQuality",
	FieldGPSType:     "gpsType",
	FieldGPSGeoid:    "gpsGeoidHeight",
	FieldGPSPDOP:     "gpsPDOP",
	FieldGPSHDOP:     "gpsHDOP",
	FieldGPSVDOP:     "gpsVDOP",
}

// arrayField marks field types that carry a meaningful arrayIndex (spec.md
// §3 "Field descriptor").
var arrayField = map[FieldType]bool{
	FieldGeofenceID:  true,
	FieldString:      true,
	FieldElapsedTime: true,
	FieldCounter:     true,
	FieldSensor32Low: true,
	FieldSensor32Hi:  true,
	FieldSensor32Avg: true,
	FieldTempLow:     true,
	FieldTempHigh:    true,
	FieldTempAvg:     true,
}

// signedField marks field types whose LONG value is sign-extended on
// decode (spec.md §4.C "Signedness is per-type").
var signedField = map[FieldType]bool{
	FieldAltitude:   true,
	FieldGPSGeoid:   true,
	FieldGPSMagVar:  true,
	FieldTempLow:    true,
	FieldTempHigh:   true,
	FieldTempAvg:    true,
}

// Name returns the canonical event-record field name for t, or "" if t is
// not a recognized field type.
func (t FieldType) Name() string { return fieldName[t] }

// IsArray reports whether t carries a meaningful arrayIndex.
func (t FieldType) IsArray() bool { return arrayField[t] }

// Signed reports whether t's LONG value is sign-extended on decode.
func (t FieldType) Signed() bool { return signedField[t] }

// kind returns t's decode dispatch class. Non-GPS/STRING/BINARY types are
// LONG (spec.md §4.C).
func (t FieldType) kind() primitiveKind {
	switch t {
	case FieldGPSPoint:
		return kindGPS
	case FieldString:
		return kindString
	case FieldBinary:
		return kindBinary
	default:
		return kindLong
	}
}

// Known reports whether t is a recognized field type.
func (t FieldType) Known() bool {
	_, ok := fieldName[t]
	return ok
}
