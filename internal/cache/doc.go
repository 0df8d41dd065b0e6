// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 封装 go-redis 客户端，为会话历史等列表型数据提供读写能力。

# 核心类型

  - Manager：持有 Redis 客户端，提供 PushJSON/TailJSON/Delete/Ping，
    后台定时健康检查，Close 时停止检查并释放连接。
  - Config：地址、密码、键前缀、默认 TTL、连接池与健康检查间隔。

# 主要能力

  - 列表追加：PushJSON 在一个 MULTI/EXEC 中完成 RPUSH、LTRIM 与 EXPIRE，
    保证只保留最近 N 条并刷新过期时间。
  - 尾部读取：TailJSON 按写入顺序返回最后 N 条。
  - 错误语义：关闭后所有操作返回 ErrClosed。
*/
package cache
