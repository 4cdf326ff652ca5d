package storage

import (
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/annel0/worldsave/internal/vec"
)

// ChunkZipDim размер zip-региона в чанках по каждой оси
const ChunkZipDim = 32

const (
	globalStoreFile     = "global.dat"
	manifestFile        = "manifest.json"
	playersDir          = "players"
	worldsDir           = "worlds"
	unfinishedSaveDir   = "unfinished-save-transaction"
	unmergedChangesDir  = "unmerged-changes"
	playerFileExtension = ".player"
	chunkFileExtension  = ".chunk"
	chunkZipExtension   = ".chunks.zip"
)

// PathProvider вычисляет все пути сохранения. Каждый путь существует в двух
// вариантах: итоговый (в корне сохранения) и временный (внутри каталога
// незавершенной транзакции) с той же относительной структурой.
type PathProvider struct {
	root      string
	worldName string
}

// NewPathProvider создает провайдер путей для каталога сохранения
func NewPathProvider(root, worldName string) *PathProvider {
	return &PathProvider{root: root, worldName: worldName}
}

func (p *PathProvider) StoragePath() string { return p.root }
func (p *PathProvider) WorldName() string   { return p.worldName }

func (p *PathProvider) UnfinishedSaveTransactionPath() string {
	return filepath.Join(p.root, unfinishedSaveDir)
}

func (p *PathProvider) UnmergedChangesPath() string {
	return filepath.Join(p.root, unmergedChangesDir)
}

func (p *PathProvider) GlobalStorePath() string {
	return filepath.Join(p.root, globalStoreFile)
}

func (p *PathProvider) GlobalStoreTempPath() string {
	return filepath.Join(p.UnfinishedSaveTransactionPath(), globalStoreFile)
}

func (p *PathProvider) ManifestPath() string {
	return filepath.Join(p.root, manifestFile)
}

func (p *PathProvider) ManifestTempPath() string {
	return filepath.Join(p.UnfinishedSaveTransactionPath(), manifestFile)
}

func (p *PathProvider) PlayersPath() string {
	return filepath.Join(p.root, playersDir)
}

func (p *PathProvider) PlayersTempPath() string {
	return filepath.Join(p.UnfinishedSaveTransactionPath(), playersDir)
}

// PlayerFilename имя файла игрока. Идентификатор экранируется: разные
// идентификаторы дают разные имена, разделители пути не проходят.
func (p *PathProvider) PlayerFilename(playerID string) string {
	return url.QueryEscape(playerID) + playerFileExtension
}

func (p *PathProvider) PlayerFilePath(playerID string) string {
	return filepath.Join(p.PlayersPath(), p.PlayerFilename(playerID))
}

func (p *PathProvider) PlayerFileTempPath(playerID string) string {
	return filepath.Join(p.PlayersTempPath(), p.PlayerFilename(playerID))
}

func (p *PathProvider) WorldPath() string {
	return filepath.Join(p.root, worldsDir, p.worldName)
}

func (p *PathProvider) WorldTempPath() string {
	return filepath.Join(p.UnfinishedSaveTransactionPath(), worldsDir, p.worldName)
}

// ChunkFilename имя файла чанка "x.y.z.chunk"; оно же имя записи в zip-регионе
func (p *PathProvider) ChunkFilename(pos vec.Vec3) string {
	return fmt.Sprintf("%d.%d.%d%s", pos.X, pos.Y, pos.Z, chunkFileExtension)
}

func (p *PathProvider) ChunkPath(pos vec.Vec3) string {
	return filepath.Join(p.WorldPath(), p.ChunkFilename(pos))
}

func (p *PathProvider) ChunkTempPath(pos vec.Vec3) string {
	return filepath.Join(p.WorldTempPath(), p.ChunkFilename(pos))
}

// ChunkZipFilename имя архива zip-региона "x.y.z.chunks.zip"
func (p *PathProvider) ChunkZipFilename(zipPos vec.Vec3) string {
	return fmt.Sprintf("%d.%d.%d%s", zipPos.X, zipPos.Y, zipPos.Z, chunkZipExtension)
}

func (p *PathProvider) ChunkZipPath(zipPos vec.Vec3) string {
	return filepath.Join(p.WorldPath(), p.ChunkZipFilename(zipPos))
}

func (p *PathProvider) ChunkZipTempPath(zipPos vec.Vec3) string {
	return filepath.Join(p.WorldTempPath(), p.ChunkZipFilename(zipPos))
}

// ChunkZipPosition zip-регион, содержащий чанк (деление с округлением вниз)
func ChunkZipPosition(chunkPos vec.Vec3) vec.Vec3 {
	return chunkPos.FloorDiv(ChunkZipDim)
}
