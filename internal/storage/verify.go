package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
)

// VerifyReport итог проверки каталога сохранения
type VerifyReport struct {
	Worlds         []string
	GlobalEntities int
	Prefabs        int
	Players        int
	Chunks         int
	Problems       []string
}

// OK проверка не нашла повреждений
func (r *VerifyReport) OK() bool { return len(r.Problems) == 0 }

func (r *VerifyReport) problem(format string, args ...interface{}) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// VerifySave читает и декодирует все хранилища каталога сохранения:
// глобальное, игроков и чанки каждого мира из манифеста (или из каталога
// worlds, если манифеста нет). Повреждения собираются в отчет; ошибка
// возвращается только если каталог нельзя прочитать.
func VerifySave(root string) (*VerifyReport, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("каталог сохранения недоступен: %w", err)
	}
	report := &VerifyReport{}
	base := NewPathProvider(root, "")

	if exists(base.UnmergedChangesPath()) {
		report.problem("найдены неслитые изменения: требуется восстановление")
	}

	worlds, err := listWorlds(base)
	if err != nil {
		return nil, err
	}
	report.Worlds = worlds

	if data, err := os.ReadFile(base.GlobalStorePath()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			report.problem("глобальное хранилище: %v", err)
		}
	} else if gs, err := UnmarshalGlobalStore(data); err != nil {
		report.problem("глобальное хранилище: %v", err)
	} else {
		report.GlobalEntities = len(gs.Store.Entities)
		report.Prefabs = len(gs.Prefabs)
	}

	if err := verifyPlayers(base, report); err != nil {
		return nil, err
	}
	for _, name := range worlds {
		if err := verifyWorld(NewPathProvider(root, name), report); err != nil {
			return nil, err
		}
	}
	return report, nil
}

func listWorlds(base *PathProvider) ([]string, error) {
	if m, err := LoadManifest(base.ManifestPath()); err == nil && len(m.Worlds) > 0 {
		names := make([]string, 0, len(m.Worlds))
		for _, w := range m.Worlds {
			names = append(names, w.Name)
		}
		return names, nil
	}

	entries, err := os.ReadDir(filepath.Join(base.StoragePath(), worldsDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения каталога миров: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func verifyPlayers(base *PathProvider, report *VerifyReport) error {
	entries, err := os.ReadDir(base.PlayersPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ошибка чтения каталога игроков: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), playerFileExtension) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(base.PlayersPath(), e.Name()))
		if err == nil {
			_, err = UnmarshalPlayerStore(data)
		}
		if err != nil {
			report.problem("игрок %s: %v", e.Name(), err)
			continue
		}
		report.Players++
	}
	return nil
}

func verifyWorld(paths *PathProvider, report *VerifyReport) error {
	entries, err := os.ReadDir(paths.WorldPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ошибка чтения мира %s: %w", paths.WorldName(), err)
	}
	for _, e := range entries {
		path := filepath.Join(paths.WorldPath(), e.Name())
		switch {
		case strings.HasSuffix(e.Name(), chunkZipExtension):
			verifyChunkZip(path, report)
		case strings.HasSuffix(e.Name(), chunkFileExtension):
			data, err := os.ReadFile(path)
			if err == nil {
				err = verifyChunkData(data)
			}
			if err != nil {
				report.problem("чанк %s: %v", path, err)
				continue
			}
			report.Chunks++
		}
	}
	return nil
}

func verifyChunkZip(path string, report *VerifyReport) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		report.problem("архив %s: %v", path, err)
		return
	}
	defer zr.Close()

	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			report.problem("архив %s, запись %s: %v", path, f.Name, err)
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err == nil {
			err = verifyChunkData(data)
		}
		if err != nil {
			report.problem("архив %s, запись %s: %v", path, f.Name, err)
			continue
		}
		report.Chunks++
	}
}

func verifyChunkData(data []byte) error {
	cs, err := DecodeCompressedChunk(data)
	if err != nil {
		return err
	}
	_, err = cs.Chunk()
	return err
}
