// Package api 通过 chi 路由暴露购物智能体的 REST 接口：用户注册与令牌签发、
// 智能体创建与状态查询、交易校验执行以及自然语言约束翻译。
//
// 所有错误统一经 internal/errors 的注册表映射为 HTTP 状态码，响应体形如
// {"code": "...", "error": "...", "fields": {...}}。
package api
