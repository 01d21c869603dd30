package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

// Files 暴露按方言分目录的 SQL 迁移文件。
//
//go:embed mysql/*.sql postgres/*.sql
var Files embed.FS

// For 返回指定方言的迁移目录。
func For(dialect string) (fs.FS, error) {
	switch dialect {
	case "mysql", "postgres":
		return fs.Sub(Files, dialect)
	default:
		return nil, fmt.Errorf("不支持的迁移方言: %s", dialect)
	}
}
