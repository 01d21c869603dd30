// Package config 负责加载 Trusty 的运行配置：先读取 .env，再解析 JSON 或 YAML
// 配置文件，最后应用环境变量覆盖并校验驱动组合。
package config
