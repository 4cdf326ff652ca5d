package world

import (
	"github.com/aquilax/go-perlin"

	"github.com/annel0/worldsave/internal/vec"
)

// Константы генерации
const (
	SeaLevel        = 0
	heightAmplitude = 24
	dirtDepth       = 3
)

// TerrainGenerator генерирует ландшафт по карте высот из шума Перлина
type TerrainGenerator struct {
	Seed       int64
	NoiseScale float64 // масштаб шума высот
	BiomeScale float64 // масштаб шума биомов

	height *perlin.Perlin
	biome  *perlin.Perlin

	stone, dirt, grass, sand, water BlockID
	plains, desert, ocean           BiomeID
}

// NewTerrainGenerator создаёт генератор и регистрирует используемые блоки и биомы
func NewTerrainGenerator(seed int64, blocks *BlockTable, biomes *BiomeTable) *TerrainGenerator {
	alpha := 2.0  // Сглаживание шума
	beta := 2.0   // Частота шума
	n := int32(3) // Количество октав

	return &TerrainGenerator{
		Seed:       seed,
		NoiseScale: 0.02,
		BiomeScale: 0.005,
		height:     perlin.NewPerlin(alpha, beta, n, seed),
		biome:      perlin.NewPerlin(alpha, beta, n, seed+1),
		stone:      blocks.MustRegister("core:stone"),
		dirt:       blocks.MustRegister("core:dirt"),
		grass:      blocks.MustRegister("core:grass"),
		sand:       blocks.MustRegister("core:sand"),
		water:      blocks.MustRegister("core:water"),
		plains:     biomes.MustRegister("core:plains"),
		desert:     biomes.MustRegister("core:desert"),
		ocean:      biomes.MustRegister("core:ocean"),
	}
}

// SurfaceHeight мировая высота поверхности в колонке
func (g *TerrainGenerator) SurfaceHeight(wx, wz int) int {
	noise := g.height.Noise2D(float64(wx)*g.NoiseScale, float64(wz)*g.NoiseScale)
	return int(noise * heightAmplitude)
}

func (g *TerrainGenerator) biomeAt(wx, wz, surface int) BiomeID {
	if surface < SeaLevel {
		return g.ocean
	}
	if g.biome.Noise2D(float64(wx)*g.BiomeScale, float64(wz)*g.BiomeScale) > 0.2 {
		return g.desert
	}
	return g.plains
}

// GenerateChunk создает готовый чанк
func (g *TerrainGenerator) GenerateChunk(pos vec.Vec3) *Chunk {
	c := NewChunk(pos)
	base := c.WorldMin()

	for x := 0; x < ChunkSizeX; x++ {
		for z := 0; z < ChunkSizeZ; z++ {
			wx, wz := base.X+x, base.Z+z
			surface := g.SurfaceHeight(wx, wz)
			biome := g.biomeAt(wx, wz, surface)
			c.SetBiome(x, z, biome)

			for y := 0; y < ChunkSizeY; y++ {
				wy := base.Y + y
				c.SetBlock(x, y, z, g.blockAt(wy, surface, biome))
			}
		}
	}

	c.MarkReady()
	return c
}

func (g *TerrainGenerator) blockAt(wy, surface int, biome BiomeID) BlockID {
	switch {
	case wy > surface:
		if wy <= SeaLevel {
			return g.water
		}
		return AirID
	case wy > surface-dirtDepth:
		if biome == g.desert || biome == g.ocean {
			return g.sand
		}
		if wy == surface {
			return g.grass
		}
		return g.dirt
	default:
		return g.stone
	}
}
