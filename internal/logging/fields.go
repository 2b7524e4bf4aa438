package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// AssetFields 描述一次缓存文件操作，下载、校验、清理日志共用。
func AssetFields(action, path string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"path":   path,
	}
}

// RequestFields 提供请求 ID/方法/路径字段，供 HTTP 访问日志复用。
func RequestFields(requestID, method, path string) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"method":     method,
		"path":       path,
	}
}
