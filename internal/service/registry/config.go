package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	agentModel "agentmonitor/internal/model/agent"
)

// 键名包含这些片段时按密文存储
var secretKeyHints = []string{"password", "passwd", "secret", "token", "api_key", "apikey", "credential", "private_key"}

// IsSecretKey 按键名判断是否为密文配置
func IsSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, hint := range secretKeyHints {
		if strings.Contains(k, hint) {
			return true
		}
	}
	return false
}

// configRows 把配置 map 转为配置行，同时返回写回 Agent.config 的掩码副本
// secrets 显式指定的键和按键名识别的键都按密文处理
func configRows(agentID string, cfg map[string]interface{}, secrets []string) ([]*agentModel.AgentConfiguration, map[string]interface{}) {
	if len(cfg) == 0 {
		return nil, map[string]interface{}{}
	}
	explicit := make(map[string]bool, len(secrets))
	for _, k := range secrets {
		explicit[k] = true
	}

	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]*agentModel.AgentConfiguration, 0, len(keys))
	masked := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		value, typ := encodeConfigValue(cfg[k])
		secret := explicit[k] || IsSecretKey(k)
		rows = append(rows, &agentModel.AgentConfiguration{
			AgentID:     agentID,
			ConfigKey:   k,
			ConfigValue: value,
			ConfigType:  typ,
			IsSecret:    secret,
		})
		if secret {
			masked[k] = agentModel.SecretMask
		} else {
			masked[k] = cfg[k]
		}
	}
	return rows, masked
}

// encodeConfigValue 推断值类型并编码为字符串
func encodeConfigValue(v interface{}) (string, agentModel.ConfigType) {
	switch val := v.(type) {
	case nil:
		return "", agentModel.ConfigTypeString
	case string:
		return val, agentModel.ConfigTypeString
	case bool:
		return strconv.FormatBool(val), agentModel.ConfigTypeBoolean
	case int:
		return strconv.Itoa(val), agentModel.ConfigTypeInteger
	case int64:
		return strconv.FormatInt(val, 10), agentModel.ConfigTypeInteger
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return strconv.FormatInt(int64(val), 10), agentModel.ConfigTypeInteger
		}
		return strconv.FormatFloat(val, 'f', -1, 64), agentModel.ConfigTypeFloat
	case json.Number:
		if _, err := val.Int64(); err == nil {
			return val.String(), agentModel.ConfigTypeInteger
		}
		return val.String(), agentModel.ConfigTypeFloat
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v), agentModel.ConfigTypeString
	}
	return string(b), agentModel.ConfigTypeJSON
}
