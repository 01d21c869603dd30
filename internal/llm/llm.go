package llm

import "context"

// Request 描述一次补全调用的上下文。
type Request struct {
	// Instruction 作为系统提示词，约束模型的输出格式。
	Instruction string
	// Prompt 是用户输入的自然语言。
	Prompt string
	// JSON 要求模型只返回 JSON 对象。
	JSON        bool
	Temperature float64
}

// Response 是模型返回的原始文本。
type Response struct {
	Content string
	Model   string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
