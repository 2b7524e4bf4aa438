package epic

// Type 区分 EPIC 的两类影像集合。
type Type string

const (
	TypeNatural  Type = "natural"
	TypeEnhanced Type = "enhanced"
)

// ParseType 解析查询参数中的类型，空字符串默认为 natural。
func ParseType(raw string) (Type, bool) {
	switch Type(raw) {
	case "", TypeNatural:
		return TypeNatural, true
	case TypeEnhanced:
		return TypeEnhanced, true
	default:
		return "", false
	}
}

type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Quaternions struct {
	Q0 float64 `json:"q0"`
	Q1 float64 `json:"q1"`
	Q2 float64 `json:"q2"`
	Q3 float64 `json:"q3"`
}

// Coords 是 EPIC 文档中重复出现的一组坐标信息。
type Coords struct {
	CentroidCoordinates LatLon      `json:"centroid_coordinates"`
	DscovrJ2000Position Position    `json:"dscovr_j2000_position"`
	LunarJ2000Position  Position    `json:"lunar_j2000_position"`
	SunJ2000Position    Position    `json:"sun_j2000_position"`
	AttitudeQuaternions Quaternions `json:"attitude_quaternions"`
}

// Image 对应 EPIC API 返回的单条影像元数据。
type Image struct {
	Identifier          string      `json:"identifier"`
	Caption             string      `json:"caption"`
	Image               string      `json:"image"`
	Version             string      `json:"version"`
	CentroidCoordinates LatLon      `json:"centroid_coordinates"`
	DscovrJ2000Position Position    `json:"dscovr_j2000_position"`
	LunarJ2000Position  Position    `json:"lunar_j2000_position"`
	SunJ2000Position    Position    `json:"sun_j2000_position"`
	AttitudeQuaternions Quaternions `json:"attitude_quaternions"`
	Date                string      `json:"date"`
	Coords              Coords      `json:"coords"`
}
