// codepod 服务入口
//
// 使用方法:
//
//	codepod serve                       # 启动服务
//	codepod serve --config config.yaml  # 指定配置文件
//	codepod version                     # 显示版本信息
//	codepod health                      # 健康检查
package main
