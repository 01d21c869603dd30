// Package agent 管理购物智能体：模板目录、实例配置、生命周期状态机，
// 以及创建、启动购物任务与重置等操作。状态迁移统一经过存储层的比较并交换，
// 同一智能体上的并发请求只有一个能够生效。
package agent
