package vec

import (
	"fmt"
	"math"
)

// Vec3 представляет трехмерный вектор с целочисленными координатами.
// Используется для позиций чанков и регионов.
type Vec3 struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// Vec3Float представляет трехмерный вектор с плавающими координатами
type Vec3Float struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add складывает два вектора
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{
		X: v.X + other.X,
		Y: v.Y + other.Y,
		Z: v.Z + other.Z,
	}
}

// Mul умножает каждую координату на n
func (v Vec3) Mul(n int) Vec3 {
	return Vec3{X: v.X * n, Y: v.Y * n, Z: v.Z * n}
}

// FloorDiv делит каждую координату на n с округлением к минус бесконечности.
// (-1, 0, 33) / 32 = (-1, 0, 1)
func (v Vec3) FloorDiv(n int) Vec3 {
	return Vec3{
		X: FloorDiv(v.X, n),
		Y: FloorDiv(v.Y, n),
		Z: FloorDiv(v.Z, n),
	}
}

// Less задает детерминированный порядок: X, затем Y, затем Z
func (v Vec3) Less(other Vec3) bool {
	if v.X != other.X {
		return v.X < other.X
	}
	if v.Y != other.Y {
		return v.Y < other.Y
	}
	return v.Z < other.Z
}

// ToFloat преобразует в вектор с плавающей точкой
func (v Vec3) ToFloat() Vec3Float {
	return Vec3Float{X: float64(v.X), Y: float64(v.Y), Z: float64(v.Z)}
}

func (v Vec3) String() string {
	return fmt.Sprintf("(%d, %d, %d)", v.X, v.Y, v.Z)
}

// Floor округляет координаты вниз
func (v Vec3Float) Floor() Vec3 {
	return Vec3{
		X: int(math.Floor(v.X)),
		Y: int(math.Floor(v.Y)),
		Z: int(math.Floor(v.Z)),
	}
}

// DistanceTo возвращает евклидово расстояние до другого вектора
func (v Vec3Float) DistanceTo(other Vec3Float) float64 {
	dx := v.X - other.X
	dy := v.Y - other.Y
	dz := v.Z - other.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// FloorDiv целочисленное деление с округлением вниз. n должно быть положительным.
func FloorDiv(a, n int) int {
	q := a / n
	if a%n != 0 && a < 0 {
		q--
	}
	return q
}
