// Package constraints 负责购物约束对象的结构定义、统一校验以及自然语言翻译。
//
// 无论约束来自翻译器输出还是用户手工提交，都必须经过 Parse 校验后才能进入系统。
package constraints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "Trusty-Agents/internal/errors"
)

// Source 标记约束对象的来源。
type Source string

const (
	SourceOpenAI  Source = "openai"
	SourceDefault Source = "default"
	SourceManual  Source = "manual"
)

const (
	DefaultMaxPrice  = 500
	DefaultCategory  = "general"
	DefaultBrand     = "any"
	DefaultCondition = "new"
	DefaultShipping  = "standard"
)

// Preferences 是固定结构的偏好设置。
type Preferences struct {
	Brand     string `json:"brand"`
	Condition string `json:"condition"`
	Shipping  string `json:"shipping"`
}

// Constraints 是结构化的购物约束。
type Constraints struct {
	MaxPrice    float64     `json:"max_price"`
	Categories  []string    `json:"categories"`
	Preferences Preferences `json:"preferences"`
	Source      Source      `json:"_source,omitempty"`
}

// Default 返回翻译失败时使用的兜底约束。
func Default() Constraints {
	return Constraints{
		MaxPrice:   DefaultMaxPrice,
		Categories: []string{DefaultCategory},
		Preferences: Preferences{
			Brand:     DefaultBrand,
			Condition: DefaultCondition,
			Shipping:  DefaultShipping,
		},
		Source: SourceDefault,
	}
}

// Clone 返回深拷贝。
func (c Constraints) Clone() Constraints {
	c.Categories = append([]string(nil), c.Categories...)
	return c
}

// WithSource 返回带来源标记的副本。
func (c Constraints) WithSource(source Source) Constraints {
	clone := c.Clone()
	clone.Source = source
	return clone
}

type wirePreferences struct {
	Brand     *string `json:"brand"`
	Condition *string `json:"condition"`
	Shipping  *string `json:"shipping"`
}

type wireConstraints struct {
	MaxPrice    *float64         `json:"max_price"`
	Categories  *[]string        `json:"categories"`
	Preferences *wirePreferences `json:"preferences"`
}

// Parse 解析并校验原始 JSON。缺失 max_price、categories、preferences 任意一项
// 都视为校验失败；preferences 内缺失的子项使用默认值补齐。
func Parse(raw []byte) (Constraints, error) {
	return parse(raw, false)
}

// ParseStrict 与 Parse 相同，但 preferences 必须完整给出 brand、condition、shipping。
func ParseStrict(raw []byte) (Constraints, error) {
	return parse(raw, true)
}

func parse(raw []byte, strict bool) (Constraints, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Constraints{}, xerrors.Validation(map[string]string{
			"constraints": "constraints must include: max_price, categories, preferences",
		})
	}

	var wire wireConstraints
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return Constraints{}, xerrors.Wrap(xerrors.CodeValidation, err, "约束对象格式错误",
			xerrors.WithField("constraints", "constraints must be a JSON object"))
	}

	fields := make(map[string]string)
	var out Constraints

	switch {
	case wire.MaxPrice == nil:
		fields["constraints.max_price"] = "field is required"
	case *wire.MaxPrice <= 0:
		fields["constraints.max_price"] = "must be greater than 0"
	default:
		out.MaxPrice = *wire.MaxPrice
	}

	if wire.Categories == nil {
		fields["constraints.categories"] = "field is required"
	} else {
		categories, reason := normaliseCategories(*wire.Categories)
		if reason != "" {
			fields["constraints.categories"] = reason
		}
		out.Categories = categories
	}

	if wire.Preferences == nil {
		fields["constraints.preferences"] = "field is required"
	} else if strict && !wire.Preferences.complete() {
		fields["constraints.preferences"] = "must include: brand, condition, shipping"
	} else {
		out.Preferences = Preferences{
			Brand:     valueOr(wire.Preferences.Brand, DefaultBrand),
			Condition: valueOr(wire.Preferences.Condition, DefaultCondition),
			Shipping:  valueOr(wire.Preferences.Shipping, DefaultShipping),
		}
	}

	if len(fields) > 0 {
		return Constraints{}, xerrors.Validation(fields)
	}
	return out, nil
}

// ParseText 从大模型的文本输出中提取 JSON 对象并按 ParseStrict 校验，兼容 ```json 代码块包裹。
func ParseText(content string) (Constraints, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Constraints{}, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("响应中没有 JSON 对象: %q", truncate(content)))
	}
	return ParseStrict([]byte(content[start : end+1]))
}

// Validate 按 ParseStrict 校验已构造好的约束对象。
func (c Constraints) Validate() error {
	raw, err := json.Marshal(c)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "约束对象无法编码")
	}
	_, err = ParseStrict(raw)
	return err
}

func normaliseCategories(values []string) ([]string, string) {
	if len(values) == 0 {
		return nil, "must contain at least one category"
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			return nil, "categories must not be blank"
		}
		key := strings.ToLower(value)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, value)
	}
	return out, ""
}

func (p *wirePreferences) complete() bool {
	for _, v := range []*string{p.Brand, p.Condition, p.Shipping} {
		if v == nil || strings.TrimSpace(*v) == "" {
			return false
		}
	}
	return true
}

func valueOr(value *string, fallback string) string {
	if value == nil || strings.TrimSpace(*value) == "" {
		return fallback
	}
	return strings.TrimSpace(*value)
}

func truncate(text string) string {
	if len([]rune(text)) > 80 {
		return string([]rune(text)[:80]) + "..."
	}
	return text
}
