package constraints

import (
	"context"
	"strings"

	xerrors "Trusty-Agents/internal/errors"
	"Trusty-Agents/internal/llm"
)

// Translator 将自然语言购物需求翻译为结构化约束。
type Translator interface {
	Translate(ctx context.Context, prompt string) (Constraints, error)
}

const translateInstruction = "" +
	"You convert a shopping request into purchase constraints. " +
	"Respond with one JSON object and nothing else: " +
	`{"max_price": number, "categories": [string], "preferences": {"brand": string, "condition": string, "shipping": string}}. ` +
	`Use "any" for an unspecified brand, "new" for an unspecified condition and "standard" for unspecified shipping.`

// LLMTranslator 通过大模型完成翻译，输出必须通过 Parse 校验。
type LLMTranslator struct {
	client llm.Client
}

// NewLLMTranslator 创建基于大模型的翻译器。
func NewLLMTranslator(client llm.Client) *LLMTranslator {
	return &LLMTranslator{client: client}
}

// Translate 实现 Translator 接口。
func (t *LLMTranslator) Translate(ctx context.Context, prompt string) (Constraints, error) {
	if t == nil || t.client == nil {
		return Constraints{}, xerrors.New(xerrors.CodeInitializationFailure, "翻译器未配置大模型客户端")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Constraints{}, xerrors.New(xerrors.CodeInvalidArgument, "prompt 不能为空")
	}
	resp, err := t.client.Generate(ctx, llm.Request{
		Instruction: translateInstruction,
		Prompt:      prompt,
		JSON:        true,
		Temperature: 0.1,
	})
	if err != nil {
		return Constraints{}, err
	}
	parsed, err := ParseText(resp.Content)
	if err != nil {
		return Constraints{}, xerrors.Wrap(xerrors.CodeDependencyFailure, err, "翻译结果不符合约束格式")
	}
	return parsed.WithSource(SourceOpenAI), nil
}

var _ Translator = (*LLMTranslator)(nil)
