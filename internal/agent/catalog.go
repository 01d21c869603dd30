package agent

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// catalogFile 是模板目录文件的结构。
type catalogFile struct {
	Templates []*Template `yaml:"templates"`
}

// LoadCatalog 从 YAML 读取模板目录。
func LoadCatalog(r io.Reader) ([]*Template, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("解析模板目录失败: %w", err)
	}
	seen := make(map[string]struct{}, len(file.Templates))
	for i, tpl := range file.Templates {
		if tpl == nil || strings.TrimSpace(tpl.ID) == "" {
			return nil, fmt.Errorf("第 %d 个模板缺少 id", i+1)
		}
		tpl.ID = strings.TrimSpace(tpl.ID)
		if _, ok := seen[tpl.ID]; ok {
			return nil, fmt.Errorf("模板 id 重复: %s", tpl.ID)
		}
		seen[tpl.ID] = struct{}{}
		if strings.TrimSpace(tpl.Name) == "" {
			return nil, fmt.Errorf("模板 %s 缺少 name", tpl.ID)
		}
		if tpl.Capabilities == nil {
			tpl.Capabilities = []string{}
		}
	}
	return file.Templates, nil
}

// LoadCatalogFile 读取模板目录文件，文件不存在时返回空目录。
func LoadCatalogFile(path string) ([]*Template, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("打开模板目录失败: %w", err)
	}
	defer f.Close()
	return LoadCatalog(f)
}
