package world

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/annel0/worldsave/internal/vec"
)

// ErrCorruptChunk данные чанка не удалось разобрать
var ErrCorruptChunk = errors.New("поврежденные данные чанка")

// Поля бинарного формата чанка
const (
	fieldChunkX      protowire.Number = 1
	fieldChunkY      protowire.Number = 2
	fieldChunkZ      protowire.Number = 3
	fieldChunkBlocks protowire.Number = 4
	fieldChunkBiomes protowire.Number = 5
)

// EncodeSnapshot кодирует снимок чанка. Блоки хранятся RLE-парами
// (длина серии, id) в упакованных varint.
func EncodeSnapshot(s *ChunkSnapshot) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldChunkX, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(s.pos.X)))
	b = protowire.AppendTag(b, fieldChunkY, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(s.pos.Y)))
	b = protowire.AppendTag(b, fieldChunkZ, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(s.pos.Z)))

	var runs []byte
	blocks := &s.data.blocks
	for i := 0; i < ChunkVolume; {
		j := i + 1
		for j < ChunkVolume && blocks[j] == blocks[i] {
			j++
		}
		runs = protowire.AppendVarint(runs, uint64(j-i))
		runs = protowire.AppendVarint(runs, uint64(blocks[i]))
		i = j
	}
	b = protowire.AppendTag(b, fieldChunkBlocks, protowire.BytesType)
	b = protowire.AppendBytes(b, runs)

	biomes := make([]byte, ChunkArea)
	for i, id := range s.data.biomes {
		biomes[i] = byte(id)
	}
	b = protowire.AppendTag(b, fieldChunkBiomes, protowire.BytesType)
	b = protowire.AppendBytes(b, biomes)
	return b
}

// Encode кодирует текущее состояние чанка
func (c *Chunk) Encode() []byte {
	s := c.Snapshot()
	defer s.Release()
	return EncodeSnapshot(s)
}

// DecodeChunk восстанавливает готовый чанк из бинарного представления
func DecodeChunk(b []byte) (*Chunk, error) {
	var pos vec.Vec3
	data := &chunkData{}
	var haveBlocks bool

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorruptChunk, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldChunkX || num == fieldChunkY || num == fieldChunkZ):
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorruptChunk, protowire.ParseError(m))
			}
			coord := int(protowire.DecodeZigZag(v))
			switch num {
			case fieldChunkX:
				pos.X = coord
			case fieldChunkY:
				pos.Y = coord
			default:
				pos.Z = coord
			}
			n = m
		case typ == protowire.BytesType && num == fieldChunkBlocks:
			runs, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorruptChunk, protowire.ParseError(m))
			}
			if err := decodeRuns(runs, &data.blocks); err != nil {
				return nil, err
			}
			haveBlocks = true
			n = m
		case typ == protowire.BytesType && num == fieldChunkBiomes:
			biomes, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorruptChunk, protowire.ParseError(m))
			}
			if len(biomes) != ChunkArea {
				return nil, fmt.Errorf("%w: %d байт биомов вместо %d", ErrCorruptChunk, len(biomes), ChunkArea)
			}
			for i, id := range biomes {
				data.biomes[i] = BiomeID(id)
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorruptChunk, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}

	if !haveBlocks {
		return nil, fmt.Errorf("%w: нет блоков", ErrCorruptChunk)
	}
	return &Chunk{pos: pos, data: data, ready: true}, nil
}

func decodeRuns(runs []byte, blocks *[ChunkVolume]BlockID) error {
	i := 0
	for len(runs) > 0 {
		count, n := protowire.ConsumeVarint(runs)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorruptChunk, protowire.ParseError(n))
		}
		runs = runs[n:]
		id, n := protowire.ConsumeVarint(runs)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorruptChunk, protowire.ParseError(n))
		}
		runs = runs[n:]
		if count == 0 || uint64(i)+count > ChunkVolume {
			return fmt.Errorf("%w: неверная длина серии %d", ErrCorruptChunk, count)
		}
		for end := i + int(count); i < end; i++ {
			blocks[i] = BlockID(id)
		}
	}
	if i != ChunkVolume {
		return fmt.Errorf("%w: %d блоков вместо %d", ErrCorruptChunk, i, ChunkVolume)
	}
	return nil
}
