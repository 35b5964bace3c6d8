package basemodel

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// bytesOf 把数据库返回值统一转成字节
func bytesOf(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("无法将 %T 转换为JSON字段", value)
	}
}

// StringSlice JSON数组字段，例如 tags: ["prod","gpu"]
type StringSlice []string

// Scan 实现sql.Scanner接口
func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = StringSlice{}
		return nil
	}
	b, err := bytesOf(value)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		*s = StringSlice{}
		return nil
	}
	return json.Unmarshal(b, (*[]string)(s))
}

// Value 实现driver.Valuer接口
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Contains 是否包含指定元素
func (s StringSlice) Contains(item string) bool {
	for _, v := range s {
		if v == item {
			return true
		}
	}
	return false
}

// JSONMap 任意结构的JSON对象字段
type JSONMap map[string]interface{}

// Scan 实现sql.Scanner接口
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	b, err := bytesOf(value)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(b, (*map[string]interface{})(m))
}

// Value 实现driver.Valuer接口
func (m JSONMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]interface{}(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// FloatSlice JSON数值数组字段(聚合桶的分位数样本)
type FloatSlice []float64

// Scan 实现sql.Scanner接口
func (f *FloatSlice) Scan(value interface{}) error {
	if value == nil {
		*f = FloatSlice{}
		return nil
	}
	b, err := bytesOf(value)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		*f = FloatSlice{}
		return nil
	}
	return json.Unmarshal(b, (*[]float64)(f))
}

// Value 实现driver.Valuer接口
func (f FloatSlice) Value() (driver.Value, error) {
	if f == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]float64(f))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
