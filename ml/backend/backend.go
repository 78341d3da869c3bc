package backend

import (
	_ "github.com/jmorganca/dam/ml/backend/cpu"
)
